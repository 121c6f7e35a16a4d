package types_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/snehjoshi/epochmq/internal/types"
)

func TestParseQueueRef(t *testing.T) {
	ref, err := types.ParseQueueRef("shop/orders")
	if err != nil {
		t.Fatal(err)
	}
	if ref.String() != "shop/orders" || !ref.Valid() {
		t.Fatalf("unexpected ref %+v", ref)
	}
	for _, bad := range []string{"", "orders", "/orders", "shop/"} {
		if _, err := types.ParseQueueRef(bad); !errors.Is(err, types.ErrInvariantViolation) {
			t.Errorf("ParseQueueRef(%q) = %v", bad, err)
		}
	}
}

func TestMessage_Expired(t *testing.T) {
	m := &types.Message{EnqueuedAt: 1000, Options: types.ConsumeOptions{TTL: 500}}
	if m.Expired(1500) {
		t.Fatal("expired exactly at the TTL boundary")
	}
	if !m.Expired(1501) {
		t.Fatal("not expired past TTL")
	}
	m.Options.TTL = 0
	if m.Expired(1 << 40) {
		t.Fatal("zero TTL must never expire")
	}
}

func TestMessage_OccurrenceIsFresh(t *testing.T) {
	p := 4
	tmpl := &types.Message{
		ID:          "tmpl",
		Queue:       &types.QueueRef{Namespace: "ns", Name: "q"},
		Body:        []byte("hi"),
		Priority:    &p,
		PublishedAt: 10,
		EnqueuedAt:  20,
		Attempts:    2,
		Schedule:    types.Directives{CRON: "* * * * *"},
		State:       types.ScheduleState{CronFired: true},
		Metadata:    map[string]string{"k": "v"},
	}
	occ := tmpl.Occurrence("occ")
	if occ.ID != "occ" || occ.Origin != "tmpl" || occ.Attempts != 0 || occ.PublishedAt != 0 {
		t.Fatalf("unexpected occurrence %+v", occ)
	}
	if occ.Schedule != (types.Directives{}) || occ.State != (types.ScheduleState{}) {
		t.Fatal("occurrence kept scheduling directives")
	}
	if *occ.Priority != 4 || string(occ.Body) != "hi" {
		t.Fatal("payload not copied")
	}

	// Deep copy: mutating the occurrence leaves the template intact.
	*occ.Priority = 9
	occ.Body[0] = 'H'
	occ.Metadata["k"] = "x"
	occ.Queue.Name = "other"
	if *tmpl.Priority != 4 || string(tmpl.Body) != "hi" || tmpl.Metadata["k"] != "v" || tmpl.Queue.Name != "q" {
		t.Fatal("template mutated through occurrence")
	}
}

func TestMessage_RequireQueue(t *testing.T) {
	if _, err := (&types.Message{ID: "x"}).RequireQueue(); !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	m := &types.Message{Queue: &types.QueueRef{Namespace: "ns", Name: "q"}}
	if ref, err := m.RequireQueue(); err != nil || ref.Name != "q" {
		t.Fatalf("ref=%v err=%v", ref, err)
	}
}

func TestMessage_EncodeDecode(t *testing.T) {
	p := 1
	m := &types.Message{ID: "a", Queue: &types.QueueRef{Namespace: "ns", Name: "q"}, Body: []byte{0, 1, 2}, Priority: &p, Options: types.DefaultConsumeOptions()}
	raw, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := types.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "a" || *got.Priority != 1 || len(got.Body) != 3 || got.Options.RetryThreshold != 3 {
		t.Fatalf("unexpected decode %+v", got)
	}
	if _, err := types.Decode("{not json"); !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestStorageError(t *testing.T) {
	if types.NewStorageError("op", nil) != nil {
		t.Fatal("nil error must stay nil")
	}
	cause := errors.New("connection refused")
	err := types.NewStorageError("get", cause)
	if !errors.Is(err, types.ErrStorage) || !errors.Is(err, cause) {
		t.Fatalf("wrapping lost: %v", err)
	}
	if again := types.NewStorageError("outer", fmt.Errorf("ctx: %w", err)); again.Error() != "ctx: "+err.Error() {
		t.Fatalf("storage error wrapped twice: %v", again)
	}
	if types.IsFatal(err) || !types.IsFatal(fmt.Errorf("x: %w", types.ErrInvariantViolation)) {
		t.Fatal("IsFatal classification wrong")
	}
}
