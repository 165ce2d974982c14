package native

import (
	"errors"
)

// CreateThread is not implemented for 32 bit tracers.
func (s *session) CreateThread(tid int, entry, arg uint64) (int, error) {
	return 0, s.injectionError(errors.New("remote threads are not supported on linux/386"))
}
