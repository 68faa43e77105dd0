package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2}
}

func TestRetryDoSucceedsAfterTransient(t *testing.T) {
	attempts := 0
	res, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &HTTPError{Status: 529, Body: "overloaded"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "ok" || attempts != 3 {
		t.Errorf("got res=%q attempts=%d, want ok/3", res, attempts)
	}
}

func TestRetryDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		return "", &HTTPError{Status: 400, Body: "bad request"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		return "", &HTTPError{Status: 500, Body: "boom"}
	})
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != 500 {
		t.Fatalf("expected HTTPError 500, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryDoRespectsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	_, err := RetryDo(ctx, fastRetry(), func() (string, error) {
		attempts++
		return "", &HTTPError{Status: 503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	if got := ParseRetryAfter(h); got != 7*time.Second {
		t.Errorf("got %v, want 7s", got)
	}
	h.Set("Retry-After", "garbage")
	if got := ParseRetryAfter(h); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}

func TestHTTPErrorRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{429, true},
		{500, true},
		{529, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		he := &HTTPError{Status: tt.status}
		if got := he.Retryable(); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
