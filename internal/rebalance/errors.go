package rebalance

import "errors"

// Error taxonomy shared by gateways, registries and the orchestrator.
// Callers wrap these with context and match them with errors.Is.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrTransport         = errors.New("transport error")
	ErrExchangeRejection = errors.New("exchange rejection")
	ErrNotFound          = errors.New("not found")
	ErrInvalidSnapshot   = errors.New("invalid snapshot")
)

// Kind returns a short label for the error family, used in logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrInvalidSnapshot):
		return "invalid_snapshot"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExchangeRejection):
		return "exchange_rejection"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}
