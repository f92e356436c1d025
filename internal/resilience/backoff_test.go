package resilience

import (
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name       string
		policy     RetryPolicy
		attempt    int
		systemLoad float64
		want       time.Duration
	}{
		{
			name:    "linear grows with attempt",
			policy:  RetryPolicy{Backoff: BackoffLinear, BaseDelay: time.Second, MaxDelay: time.Minute},
			attempt: 3,
			want:    3 * time.Second,
		},
		{
			name:    "exponential first retry is base",
			policy:  RetryPolicy{Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Minute},
			attempt: 1,
			want:    time.Second,
		},
		{
			name:    "exponential doubles per attempt",
			policy:  RetryPolicy{Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Minute},
			attempt: 4,
			want:    8 * time.Second,
		},
		{
			name:       "adaptive without load matches exponential",
			policy:     RetryPolicy{Backoff: BackoffAdaptive, BaseDelay: time.Second, MaxDelay: time.Minute},
			attempt:    3,
			systemLoad: 0,
			want:       4 * time.Second,
		},
		{
			name:       "adaptive scales with system load",
			policy:     RetryPolicy{Backoff: BackoffAdaptive, BaseDelay: time.Second, MaxDelay: time.Minute},
			attempt:    2,
			systemLoad: 50,
			want:       3 * time.Second, // 2s exponential * 1.5
		},
		{
			name:    "max delay caps the result",
			policy:  RetryPolicy{Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 5 * time.Second},
			attempt: 10,
			want:    5 * time.Second,
		},
		{
			name:    "attempt below one treated as one",
			policy:  RetryPolicy{Backoff: BackoffLinear, BaseDelay: time.Second, MaxDelay: time.Minute},
			attempt: 0,
			want:    time.Second,
		},
		{
			name:    "unknown strategy falls back to exponential",
			policy:  RetryPolicy{Backoff: "mystery", BaseDelay: time.Second, MaxDelay: time.Minute},
			attempt: 3,
			want:    4 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.Delay(tt.attempt, tt.systemLoad)
			if got != tt.want {
				t.Errorf("Delay(%d, %v) = %v, want %v", tt.attempt, tt.systemLoad, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_DelayHugeAttemptSaturates(t *testing.T) {
	p := RetryPolicy{Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Minute}
	got := p.Delay(1_000, 0)
	if got != time.Minute {
		t.Errorf("Delay(1000) = %v, want capped at %v", got, time.Minute)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", p.MaxRetries)
	}
	if p.Backoff != BackoffExponential {
		t.Errorf("Backoff = %q, want exponential", p.Backoff)
	}
	if p.RetryOn != RetryOnAll {
		t.Errorf("RetryOn = %q, want all", p.RetryOn)
	}
}

func TestBreakerSet_GetCreatesOnce(t *testing.T) {
	bs := NewBreakerSet(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	a := bs.Get("conn-1")
	b := bs.Get("conn-1")
	if a != b {
		t.Fatal("Get returned different breakers for the same key")
	}
	if c := bs.Get("conn-2"); c == a {
		t.Fatal("Get returned the same breaker for different keys")
	}
}

func TestBreakerSet_IsolatesFailures(t *testing.T) {
	bs := NewBreakerSet(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	// Trip conn-1 only.
	for i := 0; i < 2; i++ {
		_ = bs.Get("conn-1").Execute(func() error { return errServer })
	}

	if got := bs.Get("conn-1").State(); got != StateOpen {
		t.Errorf("conn-1 state = %v, want open", got)
	}
	if got := bs.Get("conn-2").State(); got != StateClosed {
		t.Errorf("conn-2 state = %v, want closed", got)
	}

	snaps := bs.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("len(Snapshots()) = %d, want 2", len(snaps))
	}
	if snaps["conn-1"].ConsecutiveFailures != 2 {
		t.Errorf("conn-1 consecutive failures = %d, want 2", snaps["conn-1"].ConsecutiveFailures)
	}
}

func TestBreakerSet_Reset(t *testing.T) {
	bs := NewBreakerSet(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	_ = bs.Get("conn-1").Execute(func() error { return errServer })
	if got := bs.Get("conn-1").State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	if !bs.Reset("conn-1") {
		t.Fatal("Reset(conn-1) = false, want true")
	}
	if got := bs.Get("conn-1").State(); got != StateClosed {
		t.Errorf("state after reset = %v, want closed", got)
	}
	if bs.Reset("missing") {
		t.Error("Reset(missing) = true, want false")
	}
}
