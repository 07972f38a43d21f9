package peer

import (
	"golang.org/x/time/rate"
)

// Limits are the byte-rate limiters shared by all connections of a swarm.
// A nil limiter means unlimited.
type Limits struct {
	Download *rate.Limiter
	Upload   *rate.Limiter
}

// NewLimits builds limiters for bytes-per-second caps; zero disables a cap.
// The burst must hold the largest message so WaitN never fails on size.
func NewLimits(download, upload, burst int) *Limits {
	return &Limits{
		Download: newLimiter(download, burst),
		Upload:   newLimiter(upload, burst),
	}
}

func newLimiter(bytesPerSecond, burst int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	if burst < bytesPerSecond {
		burst = bytesPerSecond
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}
