package bamboo

import (
	"errors"
	"fmt"
)

// ExternalCallError describes a failed call to the CI backend: a transport
// failure, an auth rejection or any non-2xx response.
type ExternalCallError struct {
	Op         string // trigger, status, cancel, plan
	StatusCode int    // 0 when no response was received
	Body       string
	Err        error
}

func (e *ExternalCallError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("bamboo %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("bamboo %s: status %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("bamboo %s: %v", e.Op, e.Err)
	}
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// IsExternalCallError reports whether err is, or wraps, an ExternalCallError.
func IsExternalCallError(err error) bool {
	var ece *ExternalCallError
	return errors.As(err, &ece)
}
