package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_BurstThenDenied(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		if d := l.Allow("203.0.113.7", now); !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	d := l.Allow("203.0.113.7", now)
	if d.Allowed {
		t.Fatalf("third request should be denied")
	}
	if d.RetryAfter != 1 {
		t.Fatalf("RetryAfter=%d, want 1", d.RetryAfter)
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := New(Config{RPS: 2, Burst: 1})
	now := time.Unix(1_700_000_000, 0)

	if !l.Allow("c", now).Allowed {
		t.Fatalf("first denied")
	}
	if l.Allow("c", now.Add(100*time.Millisecond)).Allowed {
		t.Fatalf("second should be denied before refill")
	}
	if !l.Allow("c", now.Add(600*time.Millisecond)).Allowed {
		t.Fatalf("third should be allowed after refill")
	}
}

func TestAllow_ClientsAreIndependent(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	now := time.Now()

	if !l.Allow("a", now).Allowed || !l.Allow("b", now).Allowed {
		t.Fatalf("distinct clients should each get a token")
	}
	if l.Allow("a", now).Allowed {
		t.Fatalf("a should be limited")
	}
}

func TestAllow_DisabledAlwaysAllows(t *testing.T) {
	l := New(Config{})
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !l.Allow("a", now).Allowed {
			t.Fatalf("request %d denied with limiting disabled", i)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("Len=%d, want 0 when disabled", l.Len())
	}
}

func TestAllow_MaxEntriesBoundsMemory(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, MaxEntries: 2, EntryTTL: time.Minute})
	now := time.Now()

	l.Allow("a", now)
	l.Allow("b", now)
	l.Allow("c", now.Add(2*time.Minute))
	if l.Len() != 1 {
		t.Fatalf("Len=%d, want expired entries collected", l.Len())
	}

	l.Allow("d", now.Add(2*time.Minute))
	l.Allow("e", now.Add(2*time.Minute))
	if l.Len() > 2 {
		t.Fatalf("Len=%d, want <= 2", l.Len())
	}
}
