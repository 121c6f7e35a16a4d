// Package node generates the identities used throughout EpochMQ: message
// ids, worker ids, lock tokens and the id of the running process.
//
// Every id is a ULID. ULIDs are time-sortable, so message ids double as an
// arrival-order tie breaker inside Redis sorted sets.
package node

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a ULID string that uniquely identifies an EpochMQ process.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the identity of this process.
type Node struct {
	id       ID
	hostname string
	pid      int
}

// New returns a Node. An override other than "" or "auto" must be a valid
// ULID and is used verbatim; otherwise a fresh id is generated.
//
// Ids are not persisted: a restarted process is a new consumer as far as
// liveness is concerned, so whatever its previous incarnation held in flight
// gets recovered.
func New(override string) (*Node, error) {
	host, _ := os.Hostname()
	n := &Node{hostname: host, pid: os.Getpid()}

	if override != "" && override != "auto" {
		if err := validateULID(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		n.id = ID(override)
		return n, nil
	}

	id, err := generateULID()
	if err != nil {
		return nil, fmt.Errorf("node: generate id: %w", err)
	}
	n.id = id
	return n, nil
}

// ID returns the node's ULID.
func (n *Node) ID() ID { return n.id }

// Hostname returns the host the process runs on.
func (n *Node) Hostname() string { return n.hostname }

// PID returns the process id.
func (n *Node) PID() int { return n.pid }

// monoEntropy is shared by every generateULID call so ids stay
// lexicographically ordered within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// Valid reports whether s is a well-formed ULID.
func Valid(s string) bool { return validateULID(s) == nil }

// NewID generates a fresh ULID.
func NewID() (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
