package store

import "errors"

// ErrNotFound is returned for lookups that match no row. Callers that
// enforce ownership return it for foreign rows too, so existence does not
// leak across users.
var ErrNotFound = errors.New("record not found")
