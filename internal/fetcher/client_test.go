package fetcher

import (
	"testing"

	"golang.org/x/time/rate"
)

func TestClientRateLimitMatchesConfig(t *testing.T) {
	c := newClient(clientOptions{RequestsPerSec: 5})
	if got := c.limiter.Limit(); got != rate.Limit(5) {
		t.Fatalf("持续速率应为 5 req/s, 实际 %v", got)
	}
	if got := c.limiter.Burst(); got != 5 {
		t.Fatalf("突发额度应为 5, 实际 %d", got)
	}
}

func TestClientDefaults(t *testing.T) {
	c := newClient(clientOptions{})
	if got := c.limiter.Limit(); got != rate.Limit(5) {
		t.Fatalf("默认持续速率应为 5 req/s, 实际 %v", got)
	}
	if c.http.Timeout <= 0 {
		t.Fatal("默认超时应大于 0")
	}
}
