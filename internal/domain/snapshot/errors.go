package snapshot

import "errors"

var (
	// ErrMissingUser indicates a cache operation without a user id.
	ErrMissingUser = errors.New("snapshot: user id required")
	// ErrUnknownTag indicates an invalidation tag that does not name a user.
	ErrUnknownTag = errors.New("snapshot: unknown tag")
)
