package errors

import "errors"

var (
	// Transaction lifecycle.
	ErrInvalidState        = errors.New("transition not permitted from current state")
	ErrStaleTransition     = errors.New("event conflicts with an already-terminal state")
	ErrConcurrencyConflict = errors.New("concurrent update retry budget exhausted")
	ErrAuthenticity        = errors.New("event signature verification failed")

	// Transaction store.
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrVersionConflict         = errors.New("transaction version conflict")
	ErrDuplicateIdempotencyKey = errors.New("transaction with idempotency key already exists")
	ErrNilTransaction          = errors.New("transaction is nil")

	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidPaymentMethod     = errors.New("invalid payment method")

	// Parking.
	ErrVehicleNotFound      = errors.New("vehicle not found")
	ErrVehicleAlreadyParked = errors.New("vehicle is already parked")
	ErrVehicleAlreadyExited = errors.New("vehicle has already exited")
	ErrSlotUnavailable      = errors.New("no free slot for vehicle type")

	// Monthly subscriptions.
	ErrMonthlyVehicleNotFound     = errors.New("monthly vehicle not found")
	ErrPendingRegistrationMissing = errors.New("pending registration not found")
	ErrPendingRenewalMissing      = errors.New("pending renewal not found")
	ErrSettingsNotFound           = errors.New("fee settings not found")

	// Payment creation path. Distinct from a declined payment: the gateway
	// never acknowledged the attempt, so the transaction stays PENDING.
	ErrGatewayUnavailable = errors.New("payment gateway unreachable")
	ErrGatewayDeclined    = errors.New("payment gateway declined the request")

	// Auth.
	ErrUserNotFound       = errors.New("user not found")
	ErrUsernameExists     = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternal           = errors.New("internal error")
)
