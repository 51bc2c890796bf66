package services

import "context"

// Starter is implemented by long running services. The returned channel is
// signalled once the service has shut down after ctx is cancelled.
type Starter interface {
	Start(ctx context.Context) (done chan struct{}, err error)
}
