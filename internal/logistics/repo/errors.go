package repo

import "errors"

var (
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("logistics: not found")
	// ErrConflict indicates the conditional update found a different state.
	ErrConflict = errors.New("logistics: conflict")
	// ErrDriverBusy indicates the driver cannot take a request right now.
	ErrDriverBusy = errors.New("logistics: driver unavailable")
)
