package imageio

import (
	"errors"
	"fmt"

	"github.com/virt-tools/imageio-upload/internal/constants"
)

// RequestError is an unexpected data-plane response. Every imageio
// operation has exactly one expected status; anything else produces one of
// these and is fatal to the upload.
//
// Error() includes only a short body prefix. The full captured body is in
// Body for the debug log; imageio error responses can echo request
// payloads, which must not leak into caller-visible error text.
type RequestError struct {
	Op     string
	Status int
	Reason string
	Body   []byte
}

func (e *RequestError) Error() string {
	body := e.Body
	if len(body) > constants.ErrorBodyLimit {
		body = body[:constants.ErrorBodyLimit]
	}
	return fmt.Sprintf("%s: %d %s: %q", e.Op, e.Status, e.Reason, body)
}

// AsRequestError unwraps err to a *RequestError if there is one.
func AsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}
