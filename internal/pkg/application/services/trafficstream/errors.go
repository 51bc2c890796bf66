package trafficstream

import "errors"

var (
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrNotConfigured         = errors.New("client has not been started with a configuration")
	ErrMaxReconnectsExceeded = errors.New("maximum reconnect attempts exceeded")
	ErrSubscriptionRejected  = errors.New("subscription rejected by feed")
	ErrHeartbeatTimeout      = errors.New("no data received within heartbeat deadline")
	ErrHandshakeTimeout      = errors.New("subscription was not acknowledged in time")
	ErrConnectionClosed      = errors.New("connection closed")
)
