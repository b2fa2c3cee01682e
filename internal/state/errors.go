package state

import "errors"

// ErrNotFound is returned when a requested row does not exist in the database.
var ErrNotFound = errors.New("not found")
