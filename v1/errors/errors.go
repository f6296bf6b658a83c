// Package errors holds sentinel errors shared by the backends, the bus and
// the lease client.
package errors

import (
	"context"
	"errors"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// FromContext maps a deadline error onto ErrTimeout and returns any other
// error unchanged.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
