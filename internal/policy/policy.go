// Package policy holds the failure categories of the engine and the single table
// that decides whether each of them fails open or closed.
package policy

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies a failure.
type Category string

const (
	ScheduleDataUnavailable Category = "schedule_data_unavailable"
	LockConflict            Category = "lock_conflict"
	LockStoreUnavailable    Category = "lock_store_unavailable"
	CacheStoreUnavailable   Category = "cache_store_unavailable"
	InvalidSlotRequest      Category = "invalid_slot_request"
)

// Decision is what the engine does when a category of failure happens.
type Decision int

const (
	// FailClosed refuses the operation.
	FailClosed Decision = iota
	// FailOpen degrades to a safe default and continues.
	FailOpen
)

func (d Decision) String() string {
	if d == FailOpen {
		return "fail_open"
	}
	return "fail_closed"
}

// Rule is one row of the policy table.
type Rule struct {
	Decision  Decision
	Retryable bool
}

var table = map[Category]Rule{
	ScheduleDataUnavailable: {Decision: FailOpen, Retryable: true},
	LockConflict:            {Decision: FailClosed, Retryable: true},
	LockStoreUnavailable:    {Decision: FailClosed, Retryable: true},
	CacheStoreUnavailable:   {Decision: FailOpen, Retryable: true},
	InvalidSlotRequest:      {Decision: FailClosed, Retryable: false},
}

// Lookup returns the rule for c. Unknown categories fail closed.
func Lookup(c Category) Rule {
	if r, ok := table[c]; ok {
		return r
	}
	return Rule{Decision: FailClosed}
}

// Decide returns the decision for c.
func Decide(c Category) Decision {
	return Lookup(c).Decision
}

// Error carries a failure category through the call stack.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err tagged with c. A nil err still yields an error so callers
// can report categories without an underlying cause.
func Wrap(c Category, op string, err error) error {
	return &Error{Category: c, Op: op, Err: err}
}

// CategoryOf extracts the category of err, if any.
func CategoryOf(err error) (Category, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category, true
	}
	return "", false
}

// IsRetryable reports whether the caller may retry after err.
func IsRetryable(err error) bool {
	c, ok := CategoryOf(err)
	if !ok {
		return false
	}
	return Lookup(c).Retryable
}

// Timeouts bounds every call to an external store.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
}

// DefaultTimeouts are used when a component is not given explicit timeouts.
var DefaultTimeouts = Timeouts{Read: 3 * time.Second, Write: 8 * time.Second}

// OrDefault fills zero fields from DefaultTimeouts.
func (t Timeouts) OrDefault() Timeouts {
	if t.Read <= 0 {
		t.Read = DefaultTimeouts.Read
	}
	if t.Write <= 0 {
		t.Write = DefaultTimeouts.Write
	}
	return t
}
