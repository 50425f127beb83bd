// Package tasks defines the inbound "sync this account" request.
package tasks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
)

// CurrentVersion is the only payload version this build accepts
const CurrentVersion = 1

// ErrInvalidTask marks payloads rejected at the boundary
var ErrInvalidTask = errors.New("invalid sync task")

// SyncAccount asks for one pipeline run over an account's mailbox
type SyncAccount struct {
	Version       int             `json:"version" validate:"required,eq=1"`
	RequestID     string          `json:"requestId,omitempty" validate:"omitempty,uuid"`
	AccountID     string          `json:"accountId" validate:"required"`
	UserID        string          `json:"userId" validate:"required"`
	MailAddress   string          `json:"mailAddress" validate:"required,email"`
	Provider      domain.Provider `json:"provider,omitempty" validate:"omitempty,oneof=google microsoft"`
	ProviderToken string          `json:"providerToken" validate:"required"`
}

var validate = validator.New()

// Validate checks required fields and enumerations
func (t SyncAccount) Validate() error {
	if err := validate.Struct(t); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidTask, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return nil
}

// Decode parses and validates a JSON payload; unknown fields are rejected.
// A missing provider defaults to google.
func Decode(data []byte) (SyncAccount, error) {
	var t SyncAccount
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		return SyncAccount{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if t.Provider == "" {
		t.Provider = domain.ProviderGoogle
	}
	if err := t.Validate(); err != nil {
		return SyncAccount{}, err
	}
	return t, nil
}

// Encode serializes a task for the queue
func Encode(t SyncAccount) ([]byte, error) {
	if t.Version == 0 {
		t.Version = CurrentVersion
	}
	if t.Provider == "" {
		t.Provider = domain.ProviderGoogle
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}
