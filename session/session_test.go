package session

import (
	"testing"
	"time"

	"github.com/floegence/mtrelay/mtproto"
)

func TestSessionEncryptedIsAbsorbing(t *testing.T) {
	s := &Session{}
	s.Absorb(mtproto.KindDHHandshake)
	if s.State() != StateHandshake {
		t.Fatalf("state = %v, want handshake", s.State())
	}
	s.Absorb(mtproto.KindEncrypted)
	if s.State() != StateEncrypted {
		t.Fatalf("state = %v, want encrypted", s.State())
	}
	s.Absorb(mtproto.KindDHHandshake)
	if s.State() != StateEncrypted {
		t.Fatalf("encrypted state regressed to %v", s.State())
	}
}

func TestManagerEnforcesSessionLimit(t *testing.T) {
	m := NewManager(1)
	now := time.Now()

	_, created, ok := m.GetOrCreate(1, now)
	if !ok || !created {
		t.Fatalf("first session should be created: created=%v ok=%v", created, ok)
	}

	_, created, ok = m.GetOrCreate(2, now)
	if ok {
		t.Fatal("second session should be rejected at limit=1")
	}
	if created {
		t.Fatal("rejected session must not be created")
	}

	// Re-fetching an existing session must succeed even at the limit.
	_, created, ok = m.GetOrCreate(1, now)
	if !ok || created {
		t.Fatalf("re-fetch should succeed without creating: created=%v ok=%v", created, ok)
	}
}

func TestManagerUnlimitedWhenZero(t *testing.T) {
	m := NewManager(0)
	now := time.Now()
	for i := uint64(0); i < 1000; i++ {
		if _, _, ok := m.GetOrCreate(i, now); !ok {
			t.Fatalf("session %d unexpectedly rejected under unlimited manager", i)
		}
	}
	if m.Count() != 1000 {
		t.Fatalf("Count() = %d, want 1000", m.Count())
	}
}

func TestManagerCloseAndPruneIdle(t *testing.T) {
	m := NewManager(0)
	base := time.Now()
	m.GetOrCreate(1, base.Add(-time.Minute))
	m.GetOrCreate(2, base)

	if n := m.PruneIdle(30*time.Second, base); n != 1 {
		t.Fatalf("PruneIdle removed %d, want 1", n)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}

	if !m.Close(2) {
		t.Fatal("Close(2) should report the session existed")
	}
	if m.Close(2) {
		t.Fatal("Close(2) twice should report false the second time")
	}
}
