package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
)

// TransactionResult summarizes a transaction batch write
type TransactionResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// OrderResult summarizes an order batch write
type OrderResult struct {
	Inserted      int `json:"inserted"`
	Updated       int `json:"updated"`
	ItemsInserted int `json:"itemsInserted"`
	Failed        int `json:"failed"`
}

var errMalformedRecord = errors.New("malformed record")

// SaveTransactions inserts transactions keyed by source message id.
// Existing ids are skipped; a row that errors is counted and the batch continues.
func (s *Store) SaveTransactions(ctx context.Context, owner domain.Owner, txs []domain.Transaction) (TransactionResult, error) {
	var res TransactionResult
	if len(txs) == 0 {
		return res, nil
	}

	query := s.rebind(`
		INSERT INTO transactions
		(id, user_id, account_id, amount, type, source_identifier, destination, mode,
		 reference_number, reason, sender_name, sender_address, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	createdAt := toMillis(s.now())

	for _, t := range txs {
		if err := validateTransaction(t); err != nil {
			res.Failed++
			s.log.Warn().Err(err).Str("account_id", owner.AccountID).Str("transaction_id", t.ID).Msg("skipping transaction")
			continue
		}

		r, err := s.DB.ExecContext(ctx, query,
			t.ID, owner.UserID, owner.AccountID, t.Amount, string(t.Type), t.SourceIdentifier, t.Destination,
			string(t.Mode), nullString(t.ReferenceNumber), t.Reason, t.SenderName, nullString(t.SenderAddress),
			toMillis(t.OccurredAt), createdAt,
		)
		if err != nil {
			res.Failed++
			s.log.Warn().Err(err).Str("account_id", owner.AccountID).Str("transaction_id", t.ID).Msg("failed to insert transaction")
			continue
		}

		if n, _ := r.RowsAffected(); n == 1 {
			res.Inserted++
		} else {
			res.Skipped++
		}
	}

	s.log.Info().
		Str("account_id", owner.AccountID).
		Int("inserted", res.Inserted).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("transactions saved")
	return res, nil
}

func validateTransaction(t domain.Transaction) error {
	if t.ID == "" {
		return fmt.Errorf("%w: transaction without id", errMalformedRecord)
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: transaction %s has non-positive amount", errMalformedRecord, t.ID)
	}
	if _, err := domain.ParseTransactionType(string(t.Type)); err != nil {
		return fmt.Errorf("%w: %v", errMalformedRecord, err)
	}
	return nil
}

// SaveOrders upserts orders one at a time, each in its own transaction.
// An existing order keeps its values wherever the new record has none, and
// its items are replaced by the record's items. A failing record is counted
// and rolled back without affecting the rest of the batch.
func (s *Store) SaveOrders(ctx context.Context, owner domain.Owner, orders []domain.Order) (OrderResult, error) {
	var res OrderResult

	for idx, o := range orders {
		updated, items, err := s.saveOrder(ctx, owner, o)
		if err != nil {
			res.Failed++
			s.log.Warn().Err(err).
				Str("account_id", owner.AccountID).
				Int("index", idx).
				Str("order_id", o.ExternalOrderID).
				Msg("failed to process order")
			continue
		}
		if updated {
			res.Updated++
		} else {
			res.Inserted++
		}
		res.ItemsInserted += items
	}

	s.log.Info().
		Str("account_id", owner.AccountID).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("items_inserted", res.ItemsInserted).
		Int("failed", res.Failed).
		Msg("orders saved")
	return res, nil
}

func (s *Store) saveOrder(ctx context.Context, owner domain.Owner, o domain.Order) (updated bool, items int, err error) {
	if o.ExternalOrderID == "" {
		return false, 0, fmt.Errorf("%w: order without external id", errMalformedRecord)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(s.now())
	messageID := sql.NullString{String: o.MessageID, Valid: o.MessageID != ""}

	var orderID string
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT id FROM orders WHERE account_id = ? AND external_order_id = ?
	`), owner.AccountID, o.ExternalOrderID).Scan(&orderID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		orderID = uuid.NewString()
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO orders
			(id, account_id, external_order_id, message_id, vendor, order_date, currency, sub_total, total, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), orderID, owner.AccountID, o.ExternalOrderID, messageID, nullString(o.Vendor), nullMillis(o.OrderDate),
			nullString(o.Currency), o.SubTotal, o.Total, now, now)
		if err != nil {
			return false, 0, fmt.Errorf("failed to insert order: %w", err)
		}

	case err != nil:
		return false, 0, fmt.Errorf("failed to look up order: %w", err)

	default:
		updated = true
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE orders SET
				message_id = COALESCE(?, message_id),
				vendor     = COALESCE(?, vendor),
				order_date = COALESCE(?, order_date),
				currency   = COALESCE(?, currency),
				sub_total  = COALESCE(?, sub_total),
				total      = COALESCE(?, total),
				updated_at = ?
			WHERE id = ?
		`), messageID, nullString(o.Vendor), nullMillis(o.OrderDate), nullString(o.Currency),
			o.SubTotal, o.Total, now, orderID)
		if err != nil {
			return false, 0, fmt.Errorf("failed to update order: %w", err)
		}
	}

	// Items are replaced wholesale so re-processing a receipt is idempotent
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM order_items WHERE order_id = ?`), orderID); err != nil {
		return false, 0, fmt.Errorf("failed to clear order items: %w", err)
	}

	itemQuery := s.rebind(`
		INSERT INTO order_items
		(id, order_id, account_id, name, item_type, quantity, unit_price, unit_type, total, category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, it := range o.Items {
		_, err := tx.ExecContext(ctx, itemQuery,
			uuid.NewString(), orderID, owner.AccountID, it.Name, it.ItemType,
			it.Quantity, it.UnitPrice, it.UnitType, it.Total, it.Category,
		)
		if err != nil {
			return false, 0, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return updated, len(o.Items), nil
}

// GetOrder loads an order and its items by external order id
func (s *Store) GetOrder(ctx context.Context, accountID, externalOrderID string) (*domain.Order, error) {
	var (
		o         domain.Order
		messageID sql.NullString
		vendor    sql.NullString
		orderDate sql.NullInt64
		currency  sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, s.rebind(`
		SELECT id, account_id, external_order_id, message_id, vendor, order_date, currency, sub_total, total
		FROM orders WHERE account_id = ? AND external_order_id = ?
	`), accountID, externalOrderID).Scan(&o.ID, &o.AccountID, &o.ExternalOrderID, &messageID, &vendor,
		&orderDate, &currency, &o.SubTotal, &o.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	o.MessageID = messageID.String
	if vendor.Valid {
		o.Vendor = &vendor.String
	}
	if currency.Valid {
		o.Currency = &currency.String
	}
	if orderDate.Valid {
		t := fromMillis(orderDate.Int64)
		o.OrderDate = &t
	}

	rows, err := s.DB.QueryContext(ctx, s.rebind(`
		SELECT id, order_id, account_id, name, item_type, quantity, unit_price, unit_type, total, category
		FROM order_items WHERE order_id = ? ORDER BY name
	`), o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.AccountID, &it.Name, &it.ItemType,
			&it.Quantity, &it.UnitPrice, &it.UnitType, &it.Total, &it.Category); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

// GetTransaction loads one transaction by its source message id
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	var (
		t        domain.Transaction
		txType   string
		mode     string
		ref      sql.NullString
		addr     sql.NullString
		occurred int64
	)
	err := s.DB.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, account_id, amount, type, source_identifier, destination, mode,
		       reference_number, reason, sender_name, sender_address, occurred_at
		FROM transactions WHERE id = ?
	`), id).Scan(&t.ID, &t.UserID, &t.AccountID, &t.Amount, &txType, &t.SourceIdentifier, &t.Destination,
		&mode, &ref, &t.Reason, &t.SenderName, &addr, &occurred)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	t.Type = domain.TransactionType(txType)
	t.Mode = domain.PaymentMode(mode)
	t.OccurredAt = fromMillis(occurred)
	if ref.Valid {
		t.ReferenceNumber = &ref.String
	}
	if addr.Valid {
		t.SenderAddress = &addr.String
	}
	return &t, nil
}
