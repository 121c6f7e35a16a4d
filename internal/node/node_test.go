package node_test

import (
	"os"
	"testing"

	"github.com/snehjoshi/epochmq/internal/node"
)

func TestNew_GeneratesID(t *testing.T) {
	n, err := node.New("auto")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if n.ID().IsZero() {
		t.Fatal("expected non-zero ID")
	}
	if len(n.ID().String()) != 26 {
		t.Errorf("ULID should be 26 chars, got %d: %s", len(n.ID().String()), n.ID())
	}
	if n.PID() != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), n.PID())
	}
}

func TestNew_FreshIDPerProcessStart(t *testing.T) {
	a, err := node.New("")
	if err != nil {
		t.Fatal(err)
	}
	b, err := node.New("")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() == b.ID() {
		t.Errorf("expected distinct ids, both %s", a.ID())
	}
}

func TestNew_ExplicitOverride(t *testing.T) {
	override := node.MustNewID()

	n, err := node.New(override)
	if err != nil {
		t.Fatalf("New() with override error: %v", err)
	}
	if n.ID().String() != override {
		t.Errorf("expected override ID %s, got %s", override, n.ID())
	}
}

func TestNew_InvalidOverride_ReturnsError(t *testing.T) {
	if _, err := node.New("not-a-valid-ulid"); err == nil {
		t.Fatal("expected error for invalid ULID override")
	}
}

func TestValid(t *testing.T) {
	if !node.Valid(node.MustNewID()) {
		t.Error("generated id must be valid")
	}
	if node.Valid("nope") {
		t.Error("garbage must be invalid")
	}
}

func TestMustNewID_UniqueAcrossCalls(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := node.MustNewID()
		if ids[id] {
			t.Fatalf("duplicate ULID generated: %s", id)
		}
		ids[id] = true
	}
}

func TestMustNewID_IsMonotonicallyIncreasing(t *testing.T) {
	a := node.MustNewID()
	b := node.MustNewID()
	// ULIDs are lexicographically sortable by time.
	if a >= b {
		t.Errorf("expected %s < %s (ULIDs must be monotonically increasing)", a, b)
	}
}
