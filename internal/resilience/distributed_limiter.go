package resilience

import (
	"context"
	"time"
)

// LimitType defines what is being counted.
type LimitType string

const (
	LimitTypeRequests LimitType = "requests"
	LimitTypeTokens   LimitType = "tokens"
)

// Descriptor names one shared counter: limiter name plus caller key.
type Descriptor struct {
	Key    string        // limiter name, e.g. "auth"
	Value  string        // caller key, e.g. a member id
	Limit  int64         // allowed hits per window
	Type   LimitType     // what is counted
	Window time.Duration // fixed window size
}

// LimitResult is the outcome of one descriptor check.
type LimitResult struct {
	Allowed   bool
	Current   int64
	Remaining int64
	ResetAt   int64 // unix seconds when the window resets
	Error     error
}

// DistributedLimiter checks counters shared by every process that talks to the
// same backend. Limits marked Shared in the registry go through it.
type DistributedLimiter interface {
	// CheckAllow atomically increments and checks the counters for every
	// descriptor. Results are returned in input order.
	CheckAllow(ctx context.Context, descriptors []Descriptor) ([]LimitResult, error)
}
