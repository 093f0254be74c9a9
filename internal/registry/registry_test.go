package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/Tyrowin/chatrelay/internal/models"
)

type stubConn struct {
	identity models.Identity
}

func (s *stubConn) Identity() models.Identity             { return s.identity }
func (s *stubConn) Send([]byte) error                     { return nil }
func (s *stubConn) Deliver(context.Context, []byte) error { return nil }

func newStub(id int64, name string) *stubConn {
	return &stubConn{identity: models.Identity{ID: id, Name: name}}
}

// TestRegisterReplaces verifies that registering a second connection for the
// same identity leaves exactly one entry, the newest.
func TestRegisterReplaces(t *testing.T) {
	r := New()
	first := newStub(1, "A")
	second := newStub(1, "A")

	r.Register(1, first)
	r.Register(1, second)

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	got, ok := r.Lookup(1)
	if !ok || got != second {
		t.Errorf("Lookup(1) = %v, %v; want newest connection", got, ok)
	}
}

// TestUnregisterStaleIsNoop verifies that a stale connection cannot evict the
// connection registered after a reconnect.
func TestUnregisterStaleIsNoop(t *testing.T) {
	r := New()
	old := newStub(1, "A")
	fresh := newStub(1, "A")

	r.Register(1, old)
	r.Register(1, fresh)

	if r.Unregister(1, old) {
		t.Error("Unregister(old) reported removal")
	}
	if got, ok := r.Lookup(1); !ok || got != fresh {
		t.Errorf("Fresh connection evicted by stale unregister")
	}

	if !r.Unregister(1, fresh) {
		t.Error("Unregister(fresh) did not report removal")
	}
	if _, ok := r.Lookup(1); ok {
		t.Error("Entry still present after unregister")
	}
	if r.Unregister(1, fresh) {
		t.Error("Second Unregister(fresh) reported removal")
	}
}

// TestLookupAbsent verifies lookups of unknown identities.
func TestLookupAbsent(t *testing.T) {
	r := New()
	if conn, ok := r.Lookup(42); ok || conn != nil {
		t.Errorf("Lookup(42) = %v, %v; want absent", conn, ok)
	}
}

// TestSnapshotIsCopy verifies that a snapshot is sorted and unaffected by
// later registry mutations.
func TestSnapshotIsCopy(t *testing.T) {
	r := New()
	r.Register(2, newStub(2, "B"))
	r.Register(1, newStub(1, "A"))

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0] != "A" || snap[1] != "B" {
		t.Fatalf("Snapshot() = %v, want [A B]", snap)
	}

	c := newStub(3, "C")
	r.Register(3, c)
	if len(snap) != 2 {
		t.Errorf("Snapshot changed after Register: %v", snap)
	}

	conns := r.Conns()
	r.Unregister(3, c)
	if len(conns) != 3 {
		t.Errorf("Conns copy changed length: %d", len(conns))
	}
}

// TestConcurrentRegistryOperations verifies the registry under concurrent
// register, lookup, snapshot and unregister calls. Run with -race.
func TestConcurrentRegistryOperations(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				conn := newStub(id, fmt.Sprintf("user-%d", id))
				r.Register(id, conn)
				_, _ = r.Lookup(id)
				_ = r.Snapshot()
				_ = r.Conns()
				r.Unregister(id, conn)
			}
		}(int64(i % 5))
	}
	wg.Wait()

	if r.Len() > 5 {
		t.Errorf("Len() = %d, want at most one entry per identity", r.Len())
	}
}
