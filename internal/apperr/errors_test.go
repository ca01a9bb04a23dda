package apperr

import (
	"context"
	"strings"
	"testing"
)

func TestHTTPStatus_Validation(t *testing.T) {
	if got := HTTPStatus(Validation("bad input", nil)); got != 400 {
		t.Fatalf("got %d, want 400", got)
	}
}

func TestHTTPStatus_UpstreamWithStatus(t *testing.T) {
	if got := HTTPStatus(UpstreamStatus("provider error", 401)); got != 401 {
		t.Fatalf("got %d, want 401", got)
	}
}

func TestHTTPStatus_UpstreamTimeout(t *testing.T) {
	if got := HTTPStatus(Upstream("provider request", context.DeadlineExceeded)); got != 504 {
		t.Fatalf("got %d, want 504", got)
	}
}

func TestUpstreamTimeout_ErrorMessageContainsTimedOut(t *testing.T) {
	err := Upstream("provider request", context.DeadlineExceeded)
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected error message to contain %q, got %q", "timed out", err.Error())
	}
}

func TestHTTPStatus_UpstreamTransportFailure(t *testing.T) {
	if got := HTTPStatus(Upstream("connection refused", context.Canceled)); got != 502 {
		t.Fatalf("got %d, want 502", got)
	}
}

func TestHTTPStatus_PersistenceFallsBackTo500(t *testing.T) {
	if got := HTTPStatus(Persistence("db write failed", nil)); got != 500 {
		t.Fatalf("got %d, want 500", got)
	}
}

func TestHTTPStatus_NonAppError(t *testing.T) {
	if got := HTTPStatus(context.Canceled); got != 500 {
		t.Fatalf("got %d, want 500", got)
	}
}
