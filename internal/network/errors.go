package network

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrBufferTooSmall     = errors.New("buffer too small")
	ErrTrailingData       = errors.New("trailing data after message")
	ErrInvalidPlayerCount = errors.New("number of players must be in the range 1-8")
	ErrUnknownCommand     = errors.New("unknown command kind")
)

// UnknownCommandError reports a reliable command tag outside the protocol's set.
type UnknownCommandError struct {
	Kind CommandKind
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command kind: %d", e.Kind)
}

// Unwrap lets errors.Is match ErrUnknownCommand.
func (e *UnknownCommandError) Unwrap() error {
	return ErrUnknownCommand
}
