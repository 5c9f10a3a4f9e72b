package httpx

import (
	"net/http"
	"testing"
	"time"
)

func TestRetryAfterDuration(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "3")

	if d := RetryAfterDuration(resp, time.Second, time.Minute); d != 3*time.Second {
		t.Fatalf("header hint ignored: got %v", d)
	}
	if d := RetryAfterDuration(resp, time.Second, 2*time.Second); d != 2*time.Second {
		t.Fatalf("cap not applied: got %v", d)
	}
	if d := RetryAfterDuration(nil, time.Second, time.Minute); d != time.Second {
		t.Fatalf("nil response should fall back: got %v", d)
	}

	resp.Header.Set("Retry-After", "not-a-number")
	if d := RetryAfterDuration(resp, time.Second, time.Minute); d != time.Second {
		t.Fatalf("unparsable header should fall back: got %v", d)
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("status %d should be retryable", code)
		}
	}
	for _, code := range []int{http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("status %d should not be retryable", code)
		}
	}
}
