package httpevent

import (
	"errors"
	"fmt"

	"github.com/witmproxy/witmproxy/internal/proxyerr"
)

var errInvalidReturn = fmt.Errorf("httpevent: invalid guest return shape: %w", proxyerr.ErrDispatchState)

// IsInvalidReturn reports whether err was produced by ValidateOutput.
func IsInvalidReturn(err error) bool {
	return errors.Is(err, errInvalidReturn)
}
