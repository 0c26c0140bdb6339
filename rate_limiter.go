package conduit

import (
	"golang.org/x/time/rate"
)

// WithStageRateLimit limits how often the stage's worker may run an iteration.
// r is the rate limit (e.g., 10 means 10 items per second)
// b is the maximum burst size. A burst below 1 is raised to 1.
func WithStageRateLimit(r rate.Limit, b int) StageOption {
	return func(cfg *stageConfig) {
		if b < 1 {
			b = 1
		}
		cfg.limiter = rate.NewLimiter(r, b)
	}
}

// WithStageLimiter makes the stage wait on an existing limiter before each iteration.
// Sharing one limiter between stages caps their combined throughput, and the caller
// can adjust it at runtime with SetLimit/SetBurst. A nil limiter removes rate limiting.
func WithStageLimiter(limiter *rate.Limiter) StageOption {
	return func(cfg *stageConfig) {
		cfg.limiter = limiter
	}
}
