package session

import "errors"

// ErrNoActiveCall is returned by EndCall when no call is active.
var ErrNoActiveCall = errors.New("no active call")
