package lease

import "time"

type SetIfAbsentRequest struct {
	Resource string
	Value    string
	TTL      time.Duration
	Now      time.Time // injected for testability; if zero, service uses time.Now()
}

type SetIfAbsentResult struct {
	Acquired      bool
	Resource      string
	Value         string
	Expiry        time.Time
	CurrentExpiry time.Time
	Busy          bool
	RetryAfter    time.Duration
}

type ExtendIfMatchRequest struct {
	Resource string
	Value    string
	TTL      time.Duration
	Now      time.Time
}

type ExtendIfMatchResult struct {
	Extended bool
	Expiry   time.Time
	Busy     bool
}

type DeleteIfMatchRequest struct {
	Resource string
	Value    string
	Now      time.Time
}

type DeleteIfMatchResult struct {
	Released bool
	Busy     bool
}

type Snapshot struct {
	Resource string
	Held     bool
	Value    string
	Expiry   time.Time
	Version  int64
}
