package port

// RateLimitStatus describes a caller's current quota.
type RateLimitStatus struct {
	Used          int `json:"queries_used"`
	Remaining     int `json:"queries_remaining"`
	Limit         int `json:"rate_limit"`
	WindowSeconds int `json:"window_seconds"`
}

// RateLimiter admits or rejects a request under a sliding per-caller window.
// Allow must be atomic per caller: two concurrent requests can never both be
// admitted when only one slot remains.
type RateLimiter interface {
	Allow(callerID string) (remaining int, err error)
	Status(callerID string) RateLimitStatus
	Reset(callerID string)
}
