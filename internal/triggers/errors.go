package triggers

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTriggerType    = errors.New("unknown trigger type")
	ErrSubscriptionLimit     = errors.New("subscription limit reached")
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	ErrInvalidConfig         = errors.New("invalid trigger config")
)

// StartError reports a dynamic source that failed to build or start. The
// subscription it belonged to has been rolled back.
type StartError struct {
	Type string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s trigger: %v", e.Type, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
