package resilience

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// orderedGroup builds a two-entry string group recording which entries fn saw.
func orderedGroup(maxFailures int) (*FallbackGroup[string], *[]string) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures},
	})
	fg.AddFallback("secondary", "secondary")
	tried := &[]string{}
	return fg, tried
}

func TestFallbackGroup_StopsAtFirstSuccess(t *testing.T) {
	fg, tried := orderedGroup(3)

	err := fg.Execute(func(v string) error {
		*tried = append(*tried, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if len(*tried) != 1 || (*tried)[0] != "primary" {
		t.Fatalf("tried = %v, want only the primary", *tried)
	}
}

func TestFallbackGroup_FailsOverInOrder(t *testing.T) {
	fg, tried := orderedGroup(3)

	err := fg.Execute(func(v string) error {
		*tried = append(*tried, v)
		if v == "primary" {
			return errServer
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil after failover", err)
	}
	want := []string{"primary", "secondary"}
	if len(*tried) != 2 || (*tried)[0] != want[0] || (*tried)[1] != want[1] {
		t.Fatalf("tried = %v, want %v", *tried, want)
	}
}

func TestFallbackGroup_AllEntriesFail(t *testing.T) {
	fg, _ := orderedGroup(3)

	err := fg.Execute(func(string) error { return errServer })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("Execute() = %v, want ErrAllFailed", err)
	}
	// The last underlying cause is carried in the message.
	if !strings.Contains(err.Error(), errServer.Error()) {
		t.Fatalf("error %q does not mention the last cause %q", err, errServer)
	}
}

func TestFallbackGroup_OpenBreakerSkipsEntry(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	fg.AddFallback("secondary", "secondary")

	// Open the primary's breaker.
	for i := 0; i < 2; i++ {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errServer
			}
			return nil
		})
	}

	// With the primary tripped, fn must only ever see the secondary.
	err := fg.Execute(func(v string) error {
		if v == "primary" {
			t.Fatal("primary called while its circuit is open")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() = %v, want nil via secondary", err)
	}
}

func TestExecuteWithResult_ReturnsFirstHealthyValue(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (string, error) {
		return "from-" + map[int]string{10: "ten", 20: "twenty"}[v], nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult() error = %v", err)
	}
	if got != "from-ten" {
		t.Fatalf("result = %q, want %q", got, "from-ten")
	}
}

func TestExecuteWithResult_FailoverCarriesResult(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errServer
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult() error = %v", err)
	}
	if got != "from-twenty" {
		t.Fatalf("result = %q, want %q", got, "from-twenty")
	}
}

func TestExecuteWithResult_AllFailReturnsZeroValue(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	got, err := ExecuteWithResult(fg, func(int) (string, error) {
		return "partial", errServer
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got != "" {
		t.Fatalf("result = %q, want the zero value on total failure", got)
	}
}
