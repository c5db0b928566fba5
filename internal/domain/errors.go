package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyRunning        = errors.New("bot already running")
	ErrNotRunning            = errors.New("bot not running")
	ErrNoExchangesSelected   = errors.New("no exchanges selected")
	ErrConnectivity          = errors.New("exchange unreachable")
	ErrStaleData             = errors.New("market data stale")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrPriceMoved            = errors.New("price moved beyond slippage tolerance")
	ErrOrderRejected         = errors.New("order rejected")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrLimitExceeded         = errors.New("risk limit exceeded")
	ErrNotExecutable         = errors.New("opportunity no longer executable")
	ErrBreakerPaused         = errors.New("auto-trading paused by circuit breaker")
	ErrRateLimited           = errors.New("rate limited")
	ErrWSDisconnect          = errors.New("websocket disconnected")
	ErrLockHeld              = errors.New("lock already held")
)
