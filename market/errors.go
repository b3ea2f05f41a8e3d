package market

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/adshao/go-binance/v2/common"
)

// Exchange error taxonomy. Callers classify with errors.Is; the tool
// surface and the facade translate these into wire error kinds.
var (
	ErrAuth                = errors.New("exchange rejected credentials")
	ErrRateLimited         = errors.New("exchange rate limit exceeded")
	ErrSymbolUnsupported   = errors.New("symbol not supported")
	ErrModeUnsupported     = errors.New("trading mode not supported on this venue")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNetwork             = errors.New("exchange network failure")
	ErrStaleData           = errors.New("market data is stale")
)

// Binance error codes that map onto the taxonomy.
const (
	codeTooManyRequests     = -1003
	codeInvalidSymbol       = -1121
	codeUnauthorized        = -2014
	codeInvalidSignature    = -2015
	codeNewOrderRejected    = -2010
	codeMarginInsufficient  = -2019
	codeMarginNotEnabled    = -3029
	codeFuturesNotSupported = -4061
)

// classifyErr wraps a raw client error with the matching sentinel so
// callers never have to inspect venue codes themselves.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeTooManyRequests:
			return wrap(ErrRateLimited, err)
		case codeInvalidSymbol:
			return wrap(ErrSymbolUnsupported, err)
		case codeUnauthorized, codeInvalidSignature:
			return wrap(ErrAuth, err)
		case codeMarginInsufficient:
			return wrap(ErrInsufficientBalance, err)
		case codeMarginNotEnabled, codeFuturesNotSupported:
			return wrap(ErrModeUnsupported, err)
		case codeNewOrderRejected:
			// Binance folds several rejection causes into -2010; balance
			// shortfall is the only one a market order can hit here.
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
				return wrap(ErrInsufficientBalance, err)
			}
			return err
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return wrap(ErrNetwork, err)
	}
	return err
}

type wrapped struct {
	kind  error
	cause error
}

func wrap(kind, cause error) error { return &wrapped{kind: kind, cause: cause} }

func (w *wrapped) Error() string { return w.kind.Error() + ": " + w.cause.Error() }
func (w *wrapped) Is(target error) bool {
	return errors.Is(w.kind, target) || errors.Is(w.cause, target)
}
func (w *wrapped) Unwrap() error { return w.cause }
