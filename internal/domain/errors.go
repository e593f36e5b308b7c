package domain

import "errors"

var (
	ErrNotAuthenticated      = errors.New("session not authenticated")
	ErrRateLimited           = errors.New("rate limited")
	ErrEndpointNotFound      = errors.New("endpoint not found")
	ErrTransport             = errors.New("transport error")
	ErrBrokerError           = errors.New("broker returned an error")
	ErrContractNotFound      = errors.New("contract not found")
	ErrOrderRejectedByLimits = errors.New("order rejected by exchange limits")
	ErrOrderNotFound         = errors.New("order not found")
	ErrNoPrice               = errors.New("no price available")
	ErrCancelNotConfirmed    = errors.New("cancel not confirmed by broker")
)
