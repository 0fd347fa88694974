package reliability

import (
	"time"

	"github.com/gorilla/websocket"
)

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// IsTerminalCloseError classifies websocket closes after which a client
// should not attempt to reconnect: the server deliberately refused us rather
// than the link failing.
func IsTerminalCloseError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.ClosePolicyViolation,
		websocket.CloseUnsupportedData,
	)
}
