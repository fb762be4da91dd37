package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableAgentFailure(t *testing.T) {
	cases := []struct {
		detail string
		want   bool
	}{
		{"upstream overloaded, retry later", true},
		{"Rate limit exceeded", true},
		{"request timed out after 30s", true},
		{"unknown flag: --thinking", false},
		{"agent not found: plan", false},
		{"", false},
	}
	for _, tc := range cases {
		got := IsRetryableAgentFailure(tc.detail)
		if got != tc.want {
			t.Fatalf("IsRetryableAgentFailure(%q) = %v, want %v", tc.detail, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
