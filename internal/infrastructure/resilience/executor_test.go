package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func fastConfig(breaker bool) Config {
	return Config{
		RetryMaxAttempts:        3,
		RetryInitialBackoff:     1 * time.Millisecond,
		RetryMaxBackoff:         2 * time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          breaker,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	}
}

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	var observed []int
	exec := NewExecutor(fastConfig(false), WithRetryObserver(func(_ string, attempt int, _ error) {
		observed = append(observed, attempt)
	}))

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "qdrant.search", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{Retryable: errors.Is(err, errTemp), RecordFailure: true}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(observed) != 2 {
		t.Fatalf("expected 2 retry notifications, got %v", observed)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(fastConfig(false))

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, nil)
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	exec := NewExecutor(fastConfig(false))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := exec.Execute(ctx, "op", func(context.Context) error {
		called = true
		return nil
	}, ClassifyTransport)
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before the call, got err=%v called=%v", err, called)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	cfg := fastConfig(true)
	cfg.RetryMaxAttempts = 1
	exec := NewExecutor(cfg)

	errTemp := errors.New("temporary")
	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errTemp
		}, nil)
		if !errors.Is(err, errTemp) {
			t.Fatalf("expected temporary error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, nil)
	if !errors.Is(err, gobreaker.ErrOpenState) || !IsCircuitOpen(err) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if exec.State("op") != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", exec.State("op"))
	}
}

func TestCallReturnsValue(t *testing.T) {
	exec := NewExecutor(fastConfig(false))
	got, err := Call(context.Background(), exec, "op", func(context.Context) (int, error) {
		return 42, nil
	}, ClassifyTransport)
	if err != nil || got != 42 {
		t.Fatalf("expected 42, got %d err=%v", got, err)
	}
}

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{"cancelled", context.Canceled, false, false},
		{"server error", &HTTPStatusError{StatusCode: http.StatusServiceUnavailable}, true, true},
		{"bad request", &HTTPStatusError{StatusCode: http.StatusBadRequest}, false, false},
		{"circuit open", gobreaker.ErrOpenState, true, true},
		{"unknown", errors.New("boom"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class := ClassifyTransport(tt.err)
			if class.Retryable != tt.retryable || class.RecordFailure != tt.record {
				t.Fatalf("unexpected classification %+v", class)
			}
		})
	}
}
