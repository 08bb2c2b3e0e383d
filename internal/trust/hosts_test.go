package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"peerguard/internal/logging"
)

func TestHostsRefresh(t *testing.T) {
	answers := map[string][]string{
		"friend.example.org": {"203.0.113.7"},
		"other.example.org":  {"198.51.100.3", "2001:db8::3"},
	}
	calls := 0
	h := NewHosts([]string{"friend.example.org", "other.example.org"}, logging.Discard()).
		WithLookup(func(_ context.Context, host string) ([]string, time.Duration, error) {
			calls++
			return answers[host], 5 * time.Minute, nil
		})

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, h.Refresh(context.Background(), t0))
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"198.51.100.3", "2001:db8::3", "203.0.113.7"}, h.Addrs())
	assert.True(t, h.Contains("203.0.113.7"))
	assert.False(t, h.Contains("203.0.113.8"))

	// within TTL: no lookups
	assert.False(t, h.Refresh(context.Background(), t0.Add(time.Minute)))
	assert.Equal(t, 2, calls)

	// after TTL the new answer replaces the old one
	answers["friend.example.org"] = []string{"203.0.113.8"}
	assert.True(t, h.Refresh(context.Background(), t0.Add(6*time.Minute)))
	assert.Equal(t, 4, calls)
	assert.False(t, h.Contains("203.0.113.7"))
	assert.True(t, h.Contains("203.0.113.8"))
}

func TestHostsLookupFailureKeepsLastAnswer(t *testing.T) {
	fail := false
	h := NewHosts([]string{"friend.example.org"}, logging.Discard()).
		WithLookup(func(context.Context, string) ([]string, time.Duration, error) {
			if fail {
				return nil, 0, errors.New("SERVFAIL")
			}
			return []string{"203.0.113.7"}, time.Second, nil
		})

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.Refresh(context.Background(), t0)
	fail = true
	assert.False(t, h.Refresh(context.Background(), t0.Add(minHostTTL)))
	assert.True(t, h.Contains("203.0.113.7"))
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, minHostTTL, clampTTL(time.Second))
	assert.Equal(t, maxHostTTL, clampTTL(24*time.Hour))
	assert.Equal(t, 10*time.Minute, clampTTL(10*time.Minute))
}

func TestNilHosts(t *testing.T) {
	var h *Hosts
	assert.False(t, h.Contains("1.2.3.4"))
	assert.Empty(t, h.Addrs())
}
