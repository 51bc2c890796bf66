package tfv

import "errors"

var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrMalformedSituation = errors.New("malformed situation")
	ErrInvalidGeometry    = errors.New("invalid geometry")
)

// FeedError is the error payload returned by the feed when it rejects a request.
type FeedError struct {
	Source  string
	Message string
}

func (e *FeedError) Error() string {
	if e.Source == "" {
		return e.Message
	}
	return e.Source + ": " + e.Message
}
