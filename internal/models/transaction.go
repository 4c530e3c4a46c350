package models

import "time"

// Transaction is the central payment record. Status transitions are applied
// exclusively through the transaction service; Version is the optimistic
// concurrency token incremented on every persisted mutation.
type Transaction struct {
	ID             string          `json:"id"`
	TransactionID  string          `json:"transaction_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	VehicleID      string          `json:"vehicle_id"`
	Amount         int64           `json:"amount"`
	Type           TransactionType `json:"type"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	Status         StatusType      `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Description    string          `json:"description"`
	PaymentDetails PaymentDetails  `json:"payment_details"`
	RetryCount     int32           `json:"retry_count"`
	LastRetryAt    *time.Time      `json:"last_retry_at,omitempty"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PaymentDetails is the provider-specific sub-record, stored as one JSONB
// column.
type PaymentDetails struct {
	ProviderTransactionID string     `json:"provider_transaction_id,omitempty"`
	CashierName           string     `json:"cashier_name,omitempty"`
	PaymentTime           *time.Time `json:"payment_time,omitempty"`
	CardLast4             string     `json:"card_last4,omitempty"`
	Reference             string     `json:"reference,omitempty"`
	PaymentURL            string     `json:"payment_url,omitempty"`
	FailureReason         string     `json:"failure_reason,omitempty"`
}

type TransactionType string

const (
	TypeParkingFee          TransactionType = "PARKING_FEE"
	TypeMonthlySubscription TransactionType = "MONTHLY_SUBSCRIPTION"
	TypeMonthlyRenewal      TransactionType = "MONTHLY_RENEWAL"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TypeParkingFee, TypeMonthlySubscription, TypeMonthlyRenewal:
		return true
	}
	return false
}

func (t TransactionType) Monthly() bool {
	return t == TypeMonthlySubscription || t == TypeMonthlyRenewal
}

type PaymentMethod string

const (
	MethodCash   PaymentMethod = "CASH"
	MethodWallet PaymentMethod = "WALLET"
	MethodCard   PaymentMethod = "CARD"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodWallet, MethodCard:
		return true
	}
	return false
}

type StatusType string

const (
	StatusPending   StatusType = "PENDING"
	StatusCompleted StatusType = "COMPLETED"
	StatusFailed    StatusType = "FAILED"
	StatusTimeout   StatusType = "TIMEOUT"
	StatusRefunded  StatusType = "REFUNDED"
)

func (s StatusType) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusTimeout, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted, other than the
// explicit COMPLETED -> REFUNDED exception.
func (s StatusType) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout || s == StatusRefunded
}

// CanTransitionTo encodes the state machine. REFUNDED is reachable only from
// COMPLETED; everything else requires a PENDING source.
func (s StatusType) CanTransitionTo(target StatusType) bool {
	switch target {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return s == StatusPending
	case StatusRefunded:
		return s == StatusCompleted
	}
	return false
}
