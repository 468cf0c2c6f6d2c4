package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidTransaction is wrapped by every transaction validation failure.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Transaction statuses recorded in history.
const (
	TransactionStatusSuccess = "success"
	TransactionStatusFailed  = "failed"
	TransactionStatusPending = "pending"
)

// Transaction represents a payment submitted for fraud scoring.
// Scoring never mutates a Transaction.
type Transaction struct {
	// Core identifiers
	ID        string `json:"id"`
	Reference string `json:"reference,omitempty"`

	// Parties
	CustomerEmail string `json:"customerEmail"`
	MerchantID    string `json:"merchantId"`

	// Financial details
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"paymentMethod,omitempty"`
	Description   string  `json:"description,omitempty"`

	// IPAddress doubles as the location identifier for geographic checks.
	IPAddress     string `json:"ipAddress,omitempty"`
	IsNewCustomer bool   `json:"isNewCustomer,omitempty"`

	// Status is the settlement status once the transaction is part of history.
	Status string `json:"status,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the fields the scoring pipeline depends on.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: transaction is required", ErrInvalidTransaction)
	}
	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) || t.Amount < 0 {
		return fmt.Errorf("%w: amount must be a non-negative number", ErrInvalidTransaction)
	}
	if strings.TrimSpace(t.MerchantID) == "" {
		return fmt.Errorf("%w: merchantId is required", ErrInvalidTransaction)
	}
	if strings.TrimSpace(t.CustomerEmail) == "" {
		return fmt.Errorf("%w: customerEmail is required", ErrInvalidTransaction)
	}
	return nil
}

// TransactionRequest is the API request payload for transaction analysis.
type TransactionRequest struct {
	ID            string         `json:"id,omitempty"`
	Reference     string         `json:"reference,omitempty"`
	CustomerEmail string         `json:"customerEmail"`
	MerchantID    string         `json:"merchantId"`
	Amount        float64        `json:"amount"`
	Currency      string         `json:"currency"`
	PaymentMethod string         `json:"paymentMethod,omitempty"`
	Description   string         `json:"description,omitempty"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	IsNewCustomer bool           `json:"isNewCustomer,omitempty"`
	Status        string         `json:"status,omitempty"`
	CreatedAt     *time.Time     `json:"createdAt,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
// CreatedAt defaults to now when the caller did not supply one.
func (r *TransactionRequest) ToTransaction(now time.Time) *Transaction {
	createdAt := now.UTC()
	if r.CreatedAt != nil && !r.CreatedAt.IsZero() {
		createdAt = *r.CreatedAt
	}

	currency := r.Currency
	if currency == "" {
		currency = "NGN"
	}

	return &Transaction{
		ID:            r.ID,
		Reference:     r.Reference,
		CustomerEmail: strings.TrimSpace(r.CustomerEmail),
		MerchantID:    strings.TrimSpace(r.MerchantID),
		Amount:        r.Amount,
		Currency:      currency,
		PaymentMethod: r.PaymentMethod,
		Description:   r.Description,
		IPAddress:     strings.TrimSpace(r.IPAddress),
		IsNewCustomer: r.IsNewCustomer,
		Status:        r.Status,
		CreatedAt:     createdAt,
		Metadata:      r.Metadata,
	}
}
