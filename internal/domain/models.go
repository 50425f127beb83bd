package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies the mail provider behind an account
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Account is a linked mailbox, the unit of synchronization and locking
type Account struct {
	ID            string
	UserID        string
	Email         string
	Provider      Provider
	RefreshToken  string
	IsSyncing     bool
	LockExpiresAt *time.Time
	LastSyncedAt  *time.Time
	CreatedAt     time.Time
}

// Owner carries the identifiers every persisted record is scoped to
type Owner struct {
	AccountID string
	UserID    string
}

// CanonicalMessage is the sanitized, provider-agnostic form of one mail item
type CanonicalMessage struct {
	ID            string
	AccountID     string
	ThreadID      string
	SenderName    string
	SenderAddress *string // nil when the From header carries no address
	Subject       string
	Snippet       string
	Body          string
	ReceivedAt    time.Time
}

// Transaction is one financial movement derived from a message.
// ID is the source message id.
type Transaction struct {
	ID               string
	UserID           string
	AccountID        string
	Amount           decimal.Decimal
	Type             TransactionType
	SourceIdentifier string
	Destination      string
	Mode             PaymentMode
	ReferenceNumber  *string
	Reason           string
	SenderName       string
	SenderAddress    *string
	OccurredAt       time.Time
}

// Order is a purchase receipt keyed by the vendor-assigned order id
type Order struct {
	ID              string
	AccountID       string
	ExternalOrderID string
	MessageID       string
	Vendor          *string
	OrderDate       *time.Time
	Currency        *string
	SubTotal        decimal.NullDecimal
	Total           decimal.NullDecimal
	Items           []OrderItem
}

// OrderItem is one line of an order
type OrderItem struct {
	ID        string
	OrderID   string
	AccountID string
	Name      string
	ItemType  string
	Quantity  decimal.NullDecimal
	UnitPrice decimal.NullDecimal
	UnitType  string
	Total     decimal.NullDecimal
	Category  string
}
