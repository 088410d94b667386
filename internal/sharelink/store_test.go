package sharelink

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"waypoint/internal/security"
)

func newStore() (*Store, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 7, 1, 18, 0, 0, 0, time.UTC))
	return NewStore(clk), clk
}

func TestIssue_StoresOnlyHash(t *testing.T) {
	s, _ := newStore()
	raw, l, err := s.Issue(KindLive, "u1", 2*time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if l.Hash == raw {
		t.Fatal("hash must differ from raw token")
	}
	if l.Hash != security.HashShareToken(raw) {
		t.Errorf("Hash = %q, want sha256 of raw", l.Hash)
	}
	got, ok := s.Resolve(KindLive, raw)
	if !ok {
		t.Fatal("Resolve should find live link")
	}
	if got.Owner != "u1" {
		t.Errorf("Owner = %q, want %q", got.Owner, "u1")
	}
	if _, ok := s.Resolve(KindWatch, raw); ok {
		t.Error("Resolve should reject a kind mismatch")
	}
}

func TestWatchLink_ValidForExactlyOneHour(t *testing.T) {
	s, clk := newStore()
	raw, l, err := s.Issue(KindWatch, "u1", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if l.ExpiresAt == nil || !l.ExpiresAt.Equal(clk.Now().Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v, want now+1h", l.ExpiresAt)
	}

	clk.Add(59 * time.Minute)
	if _, ok := s.Resolve(KindWatch, raw); !ok {
		t.Fatal("watch link should be valid at minute 59")
	}
	clk.Add(2 * time.Minute)
	if _, ok := s.Resolve(KindWatch, raw); ok {
		t.Fatal("watch link must be rejected at minute 61")
	}
	if got := s.Sweep(); len(got) != 1 || got[0].Hash != l.Hash {
		t.Errorf("Sweep = %v, want the expired watch link", got)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0 after sweep", s.Len())
	}
}

func TestWatchLink_RevokedOnCancel(t *testing.T) {
	s, _ := newStore()
	raw, l, _ := s.Issue(KindWatch, "u1", 0)
	if _, ok := s.Revoke(l.Hash); !ok {
		t.Fatal("Revoke should find the link")
	}
	if _, ok := s.Resolve(KindWatch, raw); ok {
		t.Error("revoked link must not resolve")
	}
}

func TestLiveLink_NoTTLNeverExpires(t *testing.T) {
	s, clk := newStore()
	raw, l, _ := s.Issue(KindLive, "u1", 0)
	if l.ExpiresAt != nil {
		t.Fatalf("ExpiresAt = %v, want nil", l.ExpiresAt)
	}
	clk.Add(1000 * time.Hour)
	if _, ok := s.Resolve(KindLive, raw); !ok {
		t.Error("link without ttl should stay valid")
	}
}

func TestSweep(t *testing.T) {
	s, clk := newStore()
	s.Issue(KindLive, "u1", 30*time.Minute)
	s.Issue(KindWatch, "u2", 0)
	s.Issue(KindLive, "u3", 0)

	clk.Add(45 * time.Minute)
	expired := s.Sweep()
	if len(expired) != 1 || expired[0].Owner != "u1" {
		t.Fatalf("Sweep = %+v, want u1's live link", expired)
	}
	clk.Add(time.Hour)
	expired = s.Sweep()
	if len(expired) != 1 || expired[0].Kind != KindWatch {
		t.Fatalf("Sweep = %+v, want the watch link", expired)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestByOwnerAndRevokeOwner(t *testing.T) {
	s, clk := newStore()
	s.Issue(KindLive, "u1", 0)
	clk.Add(time.Second)
	s.Issue(KindLive, "u1", 0)
	s.Issue(KindWatch, "u1", 0)
	s.Issue(KindLive, "u2", 0)

	if got := len(s.ByOwner("u1", KindLive)); got != 2 {
		t.Errorf("ByOwner live = %d, want 2", got)
	}
	removed := s.RevokeOwner("u1")
	if len(removed) != 3 {
		t.Fatalf("RevokeOwner = %d, want 3", len(removed))
	}
	if !removed[0].CreatedAt.Before(removed[1].CreatedAt) {
		t.Error("RevokeOwner should order by creation")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s, _ := newStore()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Issue(KindLive, "u1", time.Hour)
		}()
		go func() {
			defer wg.Done()
			s.Resolve(KindLive, "missing")
			s.Sweep()
		}()
	}
	wg.Wait()
	if s.Len() != 10 {
		t.Errorf("Len = %d, want 10", s.Len())
	}
}
