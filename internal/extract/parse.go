package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
)

// cleanModelJSON returns the content of the first Markdown code fence in the
// reply, or the trimmed reply when there is none.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)
	open := strings.Index(s, "```")
	if open == -1 {
		return s
	}
	body := s[open+3:]
	if len(body) >= 4 && strings.EqualFold(body[:4], "json") {
		body = body[4:]
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// splitArray finds the record array in the reply and decodes it into raw
// elements so one malformed record does not sink the rest. Prose may carry
// brackets of its own, so every '[' is tried in turn and the first array that
// is empty or holds only objects wins. ok is false when none is found.
func splitArray(raw string) ([]json.RawMessage, bool) {
	s := cleanModelJSON(raw)
	for i := 0; i < len(s); i++ {
		if s[i] != '[' {
			continue
		}
		var elems []json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&elems); err != nil {
			continue
		}
		if allObjects(elems) {
			return elems, true
		}
	}
	return nil, false
}

func allObjects(elems []json.RawMessage) bool {
	for _, e := range elems {
		if t := bytes.TrimSpace(e); len(t) == 0 || t[0] != '{' {
			return false
		}
	}
	return true
}

type rawTransaction struct {
	ID               string          `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	TransactionType  string          `json:"transaction_type"`
	SourceIdentifier string          `json:"source_identifier"`
	Destination      string          `json:"destination"`
	ReferenceNumber  *string         `json:"reference_number"`
	Mode             *string         `json:"mode"`
	Reason           string          `json:"reason"`
}

type rawOrderItem struct {
	Name      string              `json:"name"`
	ItemType  string              `json:"item_type"`
	Quantity  decimal.NullDecimal `json:"quantity"`
	UnitType  string              `json:"unit_type"`
	UnitPrice decimal.NullDecimal `json:"unit_price"`
	Total     decimal.NullDecimal `json:"total"`
	Category  string              `json:"category"`
}

type rawOrder struct {
	ID        string              `json:"id"`
	OrderID   string              `json:"order_id"`
	Vendor    *string             `json:"vendor"`
	OrderDate *string             `json:"order_date"`
	Currency  *string             `json:"currency"`
	SubTotal  decimal.NullDecimal `json:"sub_total"`
	Total     decimal.NullDecimal `json:"total"`
	Items     []rawOrderItem      `json:"items"`
}

var errUnknownMessage = errors.New("id does not match any message in the batch")

func (r rawTransaction) toDomain(src domain.CanonicalMessage) (domain.Transaction, error) {
	typ, err := domain.ParseTransactionType(r.TransactionType)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !r.Amount.IsPositive() {
		return domain.Transaction{}, fmt.Errorf("amount %s is not positive", r.Amount)
	}
	var modeStr string
	if r.Mode != nil {
		modeStr = *r.Mode
	}
	mode, err := domain.ParsePaymentMode(modeStr)
	if err != nil {
		return domain.Transaction{}, err
	}

	return domain.Transaction{
		ID:               r.ID,
		AccountID:        src.AccountID,
		Amount:           r.Amount,
		Type:             typ,
		SourceIdentifier: strings.TrimSpace(r.SourceIdentifier),
		Destination:      strings.TrimSpace(r.Destination),
		Mode:             mode,
		ReferenceNumber:  emptyToNil(r.ReferenceNumber),
		Reason:           strings.TrimSpace(r.Reason),
		SenderName:       src.SenderName,
		SenderAddress:    src.SenderAddress,
		OccurredAt:       src.ReceivedAt,
	}, nil
}

func (r rawOrder) toDomain(src domain.CanonicalMessage) (domain.Order, error) {
	o := domain.Order{
		AccountID:       src.AccountID,
		ExternalOrderID: strings.TrimSpace(r.OrderID),
		MessageID:       r.ID,
		Vendor:          emptyToNil(r.Vendor),
		Currency:        emptyToNil(r.Currency),
		SubTotal:        r.SubTotal,
		Total:           r.Total,
	}
	if o.ExternalOrderID == "" {
		return domain.Order{}, errors.New("missing order_id")
	}
	if r.OrderDate != nil && *r.OrderDate != "" {
		d, err := parseDate(*r.OrderDate)
		if err != nil {
			return domain.Order{}, err
		}
		o.OrderDate = &d
	}
	for _, it := range r.Items {
		o.Items = append(o.Items, domain.OrderItem{
			AccountID: src.AccountID,
			Name:      strings.TrimSpace(it.Name),
			ItemType:  it.ItemType,
			Quantity:  it.Quantity,
			UnitType:  it.UnitType,
			UnitPrice: it.UnitPrice,
			Total:     it.Total,
			Category:  it.Category,
		})
	}
	return o, nil
}

var dateLayouts = []string{time.DateOnly, time.RFC3339, "2006-01-02 15:04:05", "02-01-2006"}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func emptyToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
