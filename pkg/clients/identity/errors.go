package identity

import "errors"

// ErrProfileNotFound is returned when the identity service has no
// record for the requested user.
var ErrProfileNotFound = errors.New("profile not found")
