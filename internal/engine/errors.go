package engine

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/simpleswitch/go-ss2/internal/flow"
)

var (
	ErrMalformedNotification = errors.New("malformed notification")
	ErrTransportFailure      = errors.New("transport failure")
)

// TransportError reports ops a datapath did not accept. It matches
// ErrTransportFailure and unwraps to the transport's own error.
type TransportError struct {
	Datapath flow.DatapathID
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("datapath %s: %s: %v", e.Datapath, ErrTransportFailure, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}
