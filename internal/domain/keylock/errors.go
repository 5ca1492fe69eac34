package keylock

import "errors"

// ErrLockLost is returned when a distributed lock could not be released
// because its lease expired and another holder took it.
var ErrLockLost = errors.New("lock lost")
