package model

import "errors"

// ErrConfigMissing aborts the current engine iteration and triggers backoff.
var ErrConfigMissing = errors.New("trading configuration missing")

// ErrInsufficientBalance rejects a lock or apply without any state change.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrDataInconsistency is surfaced by the health check and never auto-healed.
var ErrDataInconsistency = errors.New("balance data inconsistency")

// ErrBreakerNotActive is returned by a manual reset of an inactive breaker.
var ErrBreakerNotActive = errors.New("circuit breaker not active")

// ErrTerminalTrade rejects a second transition on an already-final trade.
var ErrTerminalTrade = errors.New("trade already in terminal status")
