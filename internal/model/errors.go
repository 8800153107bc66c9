package model

import (
	"errors"
)

var (
	ErrNotStarted        = errors.New("run not started")
	ErrRunInProgress     = errors.New("run in progress")
	ErrUnknownJob        = errors.New("unknown job")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTimeout           = errors.New("run exceeded its time budget")
)
