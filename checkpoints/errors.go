package checkpoints

import (
	"errors"
	"fmt"
)

// ErrCheckpointUnreadable matches every *UnreadableError through errors.Is.
var ErrCheckpointUnreadable = errors.New("checkpoint unreadable")

// UnreadableError reports a checkpoint that cannot be used: the reference is
// unreachable, a remote artifact failed its integrity check, or the payload is
// structurally incompatible. It is fatal on the resume path but never touches the
// checkpoint files themselves.
type UnreadableError struct {
	Ref    string
	Reason string
	Err    error
}

func (e *UnreadableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkpoint %s unreadable: %s: %v", e.Ref, e.Reason, e.Err)
	}
	return fmt.Sprintf("checkpoint %s unreadable: %s", e.Ref, e.Reason)
}

func (e *UnreadableError) Unwrap() error { return e.Err }

func (e *UnreadableError) Is(target error) bool {
	return target == ErrCheckpointUnreadable
}
