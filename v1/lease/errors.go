package lease

import "errors"

var (
	// ErrInvalidTTL is returned for a ttl that is not a whole number of
	// seconds of at least 2s. Native expiry has second granularity, shorter
	// leases could expire before their first renewal.
	ErrInvalidTTL = errors.New("lease: ttl must be whole seconds and at least 2s")
	// ErrInvalidRenewPeriod is returned when the renew period is not
	// positive or not less than the ttl.
	ErrInvalidRenewPeriod = errors.New("lease: renew period must be positive and less than ttl")
	// ErrInvalidCooldown is returned for a non-positive acquire cooldown.
	ErrInvalidCooldown = errors.New("lease: acquire cooldown must be positive")
	// ErrTimeout is returned by AcquireTimeout when the lease could not be
	// obtained in time. A backend call that times out is a communication
	// failure and does not match it.
	ErrTimeout = errors.New("lease: acquire timed out")
)
