// Package namespace manages the EpochMQ namespace registry.
//
// A namespace is a logical grouping of queues (e.g. "payments", "notifications").
// Namespaces are created implicitly on first use via Ensure(), or explicitly
// via Create(). They live in Redis next to the queues themselves: a set of
// names plus a hash of metadata records, so every broker process sees the
// same registry.
//
// Design rules:
//   - Namespace names must be 1-64 lowercase alphanumeric characters or hyphens.
//     Queue names follow the same rule (see ValidateName).
//   - Deleting a namespace only succeeds when no queue of it is registered.
//   - All methods are safe for concurrent use.
package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/snehjoshi/epochmq/internal/storage"
	"github.com/snehjoshi/epochmq/internal/types"
)

// nameRe validates namespace names: 1–64 chars, lowercase letters/digits/hyphens,
// must start with a letter or digit.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

// ErrNotFound is returned when a namespace that doesn't exist is requested.
var ErrNotFound = fmt.Errorf("namespace: %w", types.ErrNotFound)

// ErrAlreadyExists is returned when Create is called for an existing namespace.
var ErrAlreadyExists = errors.New("namespace: already exists")

// ErrInvalidName is returned when a namespace name fails validation.
var ErrInvalidName = fmt.Errorf("namespace: invalid name: %w", types.ErrInvariantViolation)

// ErrNotEmpty is returned by Delete while queues of the namespace remain.
var ErrNotEmpty = errors.New("namespace: not empty")

// Namespace is the metadata stored for each registered namespace.
type Namespace struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"` // UTC milliseconds
}

// Registry reads and writes namespace records in Redis.
type Registry struct {
	store *storage.Store
	keys  storage.Keys
}

// New returns a Registry over store.
func New(store *storage.Store) *Registry {
	return &Registry{store: store, keys: store.Keys()}
}

// Create explicitly registers a new namespace.
// Returns ErrAlreadyExists if the name is already registered.
// Returns ErrInvalidName if the name is not valid.
func (r *Registry) Create(ctx context.Context, name string) error {
	created, err := r.insert(ctx, name)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	return nil
}

// Ensure registers a namespace if it does not already exist, or is a no-op
// if it does. Used for implicit creation on first queue use.
// Returns ErrInvalidName if the name fails validation.
func (r *Registry) Ensure(ctx context.Context, name string) error {
	_, err := r.insert(ctx, name)
	return err
}

// insert writes the record with HSETNX so concurrent creators agree on a
// single CreatedAt; the set membership is idempotent.
func (r *Registry) insert(ctx context.Context, name string) (bool, error) {
	if !nameRe.MatchString(name) {
		return false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := json.Marshal(Namespace{Name: name, CreatedAt: r.store.NowMs()})
	if err != nil {
		return false, fmt.Errorf("namespace: marshal: %w", err)
	}

	pipe := r.store.Client().TxPipeline()
	set := pipe.HSetNX(ctx, r.keys.NamespaceMeta(), name, data)
	pipe.SAdd(ctx, r.keys.Namespaces(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, types.NewStorageError("namespace create", err)
	}
	return set.Val(), nil
}

// Delete removes a namespace from the registry.
// Returns ErrNotFound if the namespace doesn't exist and ErrNotEmpty while
// any queue of it is still registered.
func (r *Registry) Delete(ctx context.Context, name string) error {
	queues, err := r.store.Client().SMembers(ctx, r.keys.Queues()).Result()
	if err != nil {
		return types.NewStorageError("namespace delete", err)
	}
	for _, q := range queues {
		if strings.HasPrefix(q, name+"/") {
			return fmt.Errorf("%w: %s", ErrNotEmpty, name)
		}
	}

	pipe := r.store.Client().TxPipeline()
	removed := pipe.SRem(ctx, r.keys.Namespaces(), name)
	pipe.HDel(ctx, r.keys.NamespaceMeta(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewStorageError("namespace delete", err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// Exists reports whether the given namespace is registered.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := r.store.Client().SIsMember(ctx, r.keys.Namespaces(), name).Result()
	if err != nil {
		return false, types.NewStorageError("namespace exists", err)
	}
	return ok, nil
}

// Get returns the Namespace record, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, name string) (*Namespace, error) {
	raw, err := r.store.Client().HGet(ctx, r.keys.NamespaceMeta(), name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, types.NewStorageError("namespace get", err)
	}
	var ns Namespace
	if err := json.Unmarshal([]byte(raw), &ns); err != nil {
		return nil, fmt.Errorf("namespace: parse %s: %w", name, err)
	}
	return &ns, nil
}

// List returns all registered namespaces sorted by name. Members whose
// metadata record is missing are reported with a zero CreatedAt.
func (r *Registry) List(ctx context.Context) ([]*Namespace, error) {
	names, err := r.store.Client().SMembers(ctx, r.keys.Namespaces()).Result()
	if err != nil {
		return nil, types.NewStorageError("namespace list", err)
	}
	sort.Strings(names)
	out := make([]*Namespace, 0, len(names))
	if len(names) == 0 {
		return out, nil
	}
	raws, err := r.store.Client().HMGet(ctx, r.keys.NamespaceMeta(), names...).Result()
	if err != nil {
		return nil, types.NewStorageError("namespace list", err)
	}
	for i, name := range names {
		ns := &Namespace{Name: name}
		if s, ok := raws[i].(string); ok {
			_ = json.Unmarshal([]byte(s), ns)
		}
		out = append(out, ns)
	}
	return out, nil
}

// ValidateName reports whether name is a valid namespace name without mutating
// the registry.
func ValidateName(name string) bool { return nameRe.MatchString(name) }
