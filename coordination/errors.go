package coordination

import "github.com/pkg/errors"

var (
	ErrNoNode         = errors.New("node does not exist")
	ErrNodeExists     = errors.New("node already exists")
	ErrBadVersion     = errors.New("version conflict")
	ErrNotEmpty       = errors.New("node has children")
	ErrSessionExpired = errors.New("session expired")
	ErrUnavailable    = errors.New("coordination store unavailable")
	ErrClosed         = errors.New("client is closed")
	ErrBadArguments   = errors.New("bad arguments")
)

// IsHardwareError reports whether err means the session can no longer be
// trusted (as opposed to a logical error such as ErrNoNode).
func IsHardwareError(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrClosed)
}
