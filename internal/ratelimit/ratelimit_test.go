package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_CapWithinWindow(t *testing.T) {
	t.Parallel()

	l := New(60*time.Second, 5)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return base })

	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("alice"); !ok {
			t.Fatalf("attempt %d denied, want allowed", i+1)
		}
	}

	ok, retry := l.Allow("alice")
	if ok {
		t.Fatal("6th attempt allowed, want denied")
	}
	if retry <= 0 || retry > 60 {
		t.Errorf("retryAfter = %d, want in (0, 60]", retry)
	}

	// The denied attempt must not extend the window: repeated denials report
	// the same horizon.
	_, retry2 := l.Allow("alice")
	if retry2 != retry {
		t.Errorf("second denial retryAfter = %d, want %d", retry2, retry)
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	t.Parallel()

	l := New(60*time.Second, 5)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	l.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		l.Allow("alice")
		now = now.Add(10 * time.Second)
	}
	// now = base+50s; the first attempt (at base) leaves the window at +60s.
	if ok, retry := l.Allow("alice"); ok || retry != 10 {
		t.Fatalf("at +50s: (ok, retry) = (%v, %d), want (false, 10)", ok, retry)
	}

	now = base.Add(61 * time.Second)
	if ok, _ := l.Allow("alice"); !ok {
		t.Fatal("attempt after oldest slid out denied, want allowed")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(60*time.Second, 2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return base })

	l.Allow("alice")
	l.Allow("alice")
	if ok, _ := l.Allow("alice"); ok {
		t.Fatal("alice over cap allowed")
	}
	if ok, _ := l.Allow("mallory"); !ok {
		t.Fatal("mallory denied by alice's bucket")
	}
}

func TestLimiter_Reset(t *testing.T) {
	t.Parallel()

	l := New(60*time.Second, 1)
	l.Allow("alice")
	if ok, _ := l.Allow("alice"); ok {
		t.Fatal("over-cap attempt allowed before reset")
	}
	l.Reset()
	if ok, _ := l.Allow("alice"); !ok {
		t.Fatal("attempt after reset denied")
	}
}
