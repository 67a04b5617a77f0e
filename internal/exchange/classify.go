package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/adshao/go-binance/v2/common"
	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/failsafe-go/failsafe-go/timeout"
)

// Binance error codes that are not plain rejections.
const (
	binanceTooManyRequests = -1003
	binanceUnknownOrder    = -2011
	binanceInvalidSymbol   = -1121
)

var rejectionHints = []string{"insufficient", "balance", "minimum", "min notional", "not allowed", "closed", "invalid", "unauthorized", "forbidden", "signature"}

// Classify maps a gateway library error onto the rebalance error taxonomy.
// Errors that already carry a taxonomy sentinel are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		rebalance.ErrConfiguration,
		rebalance.ErrTransport,
		rebalance.ErrExchangeRejection,
		rebalance.ErrNotFound,
		rebalance.ErrInvalidSnapshot,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var apiErr *common.APIError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, timeout.ErrExceeded):
		return fmt.Errorf("%w: %w", rebalance.ErrTransport, err)
	case errors.As(err, &apiErr):
		switch apiErr.Code {
		case binanceTooManyRequests:
			return fmt.Errorf("%w: %w", rebalance.ErrTransport, err)
		case binanceInvalidSymbol:
			return fmt.Errorf("%w: %w", rebalance.ErrNotFound, err)
		default:
			return fmt.Errorf("%w: %w", rebalance.ErrExchangeRejection, err)
		}
	case errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", rebalance.ErrTransport, err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") {
		return fmt.Errorf("%w: %w", rebalance.ErrNotFound, err)
	}
	for _, hint := range rejectionHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %w", rebalance.ErrExchangeRejection, err)
		}
	}
	return fmt.Errorf("%w: %w", rebalance.ErrTransport, err)
}

func isBinanceUnknownOrder(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == binanceUnknownOrder
}
