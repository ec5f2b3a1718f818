package distlock

import "time"

// Token identifies one acquisition attempt. It is only safe to rely on
// for exclusivity between a successful acquire and ValidityDeadline;
// after the deadline the lock is expired by definition, whether or not
// the store entries were cleaned up.
//
// Value distinguishes the current holder from any past or future holder
// of the same resource. Release and extend present it to the nodes, so
// a stale holder can never release or extend a lock that has since been
// re-acquired by someone else.
type Token struct {
	Resource         string
	Value            string
	TTL              time.Duration
	AcquiredAt       time.Time
	ValidityDeadline time.Time
}

// Valid reports whether the token may still be relied on at the given
// instant.
func (t Token) Valid(now time.Time) bool {
	return !t.ValidityDeadline.IsZero() && now.Before(t.ValidityDeadline)
}

// Remaining returns the validity window left at the given instant.
// Zero or negative means expired.
func (t Token) Remaining(now time.Time) time.Duration {
	if t.ValidityDeadline.IsZero() {
		return 0
	}
	return t.ValidityDeadline.Sub(now)
}
