package exception

import "github.com/yanun0323/errors"

// Brokerage error classes. Every broker.APIError unwraps to exactly one of them.
var (
	ErrRetryableTransport = errors.New("broker: retryable transport error")
	ErrAmbiguousOutcome   = errors.New("broker: ambiguous outcome")
	ErrFatalAPI           = errors.New("broker: fatal api error")
)

var (
	ErrBrokerRequestNotSent   = errors.New("broker: request did not send")
	ErrBrokerDecodeResponse   = errors.New("broker: decode response body")
	ErrBrokerEmptyOrderID     = errors.New("broker: empty response order id")
	ErrBrokerUnsupportedOrder = errors.New("broker: unsupported order")
)
