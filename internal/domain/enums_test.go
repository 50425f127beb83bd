package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTransactionType(t *testing.T) {
	tests := []struct {
		in      string
		want    TransactionType
		wantErr bool
	}{
		{"debit", TransactionDebit, false},
		{"credit", TransactionCredit, false},
		{"Debit", "", true},
		{"refund", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTransactionType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePaymentMode(t *testing.T) {
	tests := []struct {
		in      string
		want    PaymentMode
		wantErr bool
	}{
		{"UPI", ModeUPI, false},
		{"Credit Card", ModeCreditCard, false},
		{"CreditCard", ModeCreditCard, false},
		{"Bank Transfer", ModeBankTransfer, false},
		{"atm", ModeATM, false},
		{"POS", ModePOS, false},
		{"", ModeUnknown, false},
		{"Unknown", ModeUnknown, false},
		{"Cheque", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePaymentMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
