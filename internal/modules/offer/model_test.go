package offer

import (
	"testing"
	"time"
)

func TestOfferLiveness(t *testing.T) {
	ttl := 15 * time.Second
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		age    time.Duration
		status Status
		live   bool
	}{
		{"fresh", 0, StatusPending, true},
		{"just before ttl", ttl - time.Millisecond, StatusPending, true},
		{"exactly ttl", ttl, StatusPending, false},
		{"well past ttl", 20 * time.Second, StatusPending, false},
		{"fresh but declined", time.Second, StatusDeclined, false},
		{"fresh but accepted", time.Second, StatusAccepted, false},
	}
	for _, tc := range cases {
		o := Offer{Status: tc.status, NotifiedAt: now.Add(-tc.age)}
		if got := o.Live(now, ttl); got != tc.live {
			t.Errorf("%s: Live = %v, want %v", tc.name, got, tc.live)
		}
		if tc.status == StatusPending && o.Stale(now, ttl) == tc.live {
			t.Errorf("%s: Stale disagrees with Live", tc.name)
		}
	}
}

func TestNewViewRemaining(t *testing.T) {
	ttl := 15 * time.Second
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	l := Listing{Offer: Offer{ID: "o1", TripID: "t1", Status: StatusPending, NotifiedAt: now.Add(-4500 * time.Millisecond)}}
	v := NewView(l, now, ttl)
	if v.TimeRemainingSeconds != 11 {
		t.Fatalf("remaining = %d, want 11", v.TimeRemainingSeconds)
	}
	if !v.ExpiresAt.Equal(l.NotifiedAt.Add(ttl)) {
		t.Fatalf("expires_at = %v", v.ExpiresAt)
	}

	l.NotifiedAt = now.Add(-30 * time.Second)
	if v := NewView(l, now, ttl); v.TimeRemainingSeconds != 0 {
		t.Fatalf("stale remaining = %d, want 0", v.TimeRemainingSeconds)
	}
}
