package domain

import (
	"fmt"
	"strings"
)

// TransactionType is the direction of a transaction
type TransactionType string

const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
)

// ParseTransactionType accepts exactly "debit" or "credit"
func ParseTransactionType(s string) (TransactionType, error) {
	switch TransactionType(s) {
	case TransactionDebit, TransactionCredit:
		return TransactionType(s), nil
	}
	return "", fmt.Errorf("invalid transaction type %q", s)
}

// PaymentMode is the rail a transaction moved over
type PaymentMode string

const (
	ModeUPI          PaymentMode = "UPI"
	ModeCreditCard   PaymentMode = "CreditCard"
	ModeBankTransfer PaymentMode = "BankTransfer"
	ModeATM          PaymentMode = "ATM"
	ModePOS          PaymentMode = "POS"
	ModeUnknown      PaymentMode = "Unknown"
)

var modeAliases = map[string]PaymentMode{
	"upi":           ModeUPI,
	"creditcard":    ModeCreditCard,
	"credit card":   ModeCreditCard,
	"banktransfer":  ModeBankTransfer,
	"bank transfer": ModeBankTransfer,
	"atm":           ModeATM,
	"pos":           ModePOS,
	"unknown":       ModeUnknown,
}

// ParsePaymentMode maps a model-provided mode onto the enum.
// An empty value is Unknown; anything unrecognized is an error.
func ParsePaymentMode(s string) (PaymentMode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModeUnknown, nil
	}
	if m, ok := modeAliases[strings.ToLower(s)]; ok {
		return m, nil
	}
	return "", fmt.Errorf("invalid payment mode %q", s)
}
