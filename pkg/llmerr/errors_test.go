package llmerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusTooManyRequests, KindRateLimit},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusInternalServerError, KindTransientServer},
		{http.StatusBadGateway, KindTransientServer},
		{http.StatusBadRequest, KindValidation},
		{http.StatusNotFound, KindValidation},
	}
	for _, tt := range tests {
		err := FromStatus("openai", tt.status, []byte("boom"))
		if err.Kind != tt.want {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err.Kind)
		}
	}
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", New(KindRateLimit, "openai", errors.New("slow down")))
	if !errors.Is(err, ErrRateLimit) {
		t.Error("expected wrapped error to match ErrRateLimit")
	}
	if errors.Is(err, ErrAuth) {
		t.Error("rate limit should not match ErrAuth")
	}
	if !Retryable(err) {
		t.Error("rate limit should be retryable")
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(New(KindAuth, "x", nil)) {
		t.Error("auth must not be retryable")
	}
	if Retryable(New(KindValidation, "x", nil)) {
		t.Error("validation must not be retryable")
	}
	if !Retryable(New(KindTransientServer, "x", nil)) {
		t.Error("server errors are retryable")
	}
	if !Retryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded counts as timeout")
	}
}

func TestClassify(t *testing.T) {
	if KindOf(Classify("op", context.Canceled)) != KindCancelled {
		t.Error("context.Canceled should classify as cancelled")
	}
	if KindOf(Classify("op", errors.New("connection reset"))) != KindTransientServer {
		t.Error("unknown transport errors should be transient")
	}
	auth := New(KindAuth, "op", nil)
	if Classify("other", auth) != error(auth) {
		t.Error("classified errors should pass through")
	}
	if Classify("op", nil) != nil {
		t.Error("nil should stay nil")
	}
}
