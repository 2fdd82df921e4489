package cache

import "time"

// Timeout is a coarse expiry class for cached values.
type Timeout int

const (
	// TimeoutNone never expires; staleness is controlled by predicates.
	TimeoutNone Timeout = iota
	TimeoutRequest
	TimeoutBuild
	TimeoutWorkflow
)

func (t Timeout) String() string {
	switch t {
	case TimeoutNone:
		return "none"
	case TimeoutRequest:
		return "request"
	case TimeoutBuild:
		return "build"
	case TimeoutWorkflow:
		return "workflow"
	}
	return "unknown"
}

type Timeouts struct {
	Request  time.Duration
	Build    time.Duration
	Workflow time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Request:  30 * time.Second,
		Build:    5 * time.Minute,
		Workflow: 30 * time.Minute,
	}
}

// TTL returns the expiry of a class; zero means no expiry.
func (x Timeouts) TTL(t Timeout) time.Duration {
	switch t {
	case TimeoutRequest:
		return x.Request
	case TimeoutBuild:
		return x.Build
	case TimeoutWorkflow:
		return x.Workflow
	}
	return 0
}

// Period is the refresh period of background jobs paced by a class.
func (x Timeouts) Period(t Timeout) time.Duration {
	return x.TTL(t) * 3 / 4
}
