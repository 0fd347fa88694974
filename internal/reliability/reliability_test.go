package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	base := 500 * time.Millisecond
	cap := 8 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := ExponentialBackoff(tc.attempt, base, cap); got != tc.want {
			t.Fatalf("ExponentialBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestExponentialBackoffNegativeAttempt(t *testing.T) {
	if got := ExponentialBackoff(-1, time.Second, time.Minute); got != time.Second {
		t.Fatalf("negative attempt should yield base, got %v", got)
	}
}

func TestIsTerminalCloseError(t *testing.T) {
	terminal := &websocket.CloseError{Code: websocket.ClosePolicyViolation}
	if !IsTerminalCloseError(terminal) {
		t.Fatalf("policy violation should be terminal")
	}
	transient := &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	if IsTerminalCloseError(transient) {
		t.Fatalf("abnormal closure should be retryable")
	}
	if IsTerminalCloseError(errors.New("read tcp: connection reset")) {
		t.Fatalf("plain transport errors should be retryable")
	}
}
