package schedule

import "errors"

var (
	// ErrUnknownEvent indicates a frame whose data_type is not recognized.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrMalformedEvent indicates a frame that is not a valid event object.
	ErrMalformedEvent = errors.New("malformed event")
)
