package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ivxp/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrInvalidOrderID    = errors.New("invalid order id")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// tsLayout is fixed width so that lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Repo is the SQLite order store.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

const orderColumns = `order_id,status,COALESCE(client_name,''),client_address,payment_address,service_type,description,price_usdc,network,
COALESCE(tx_hash,''),COALESCE(signature,''),COALESCE(signed_message,''),COALESCE(delivery_endpoint,''),deliverable_json,
COALESCE(content_hash,''),COALESCE(failure_reason,''),created_at,updated_at,expires_at,paid_at,delivered_at,confirmed_at,
COALESCE(payer_address,'')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o           domain.Order
		price       string
		deliverable sql.NullString
		createdAt   string
		updatedAt   string
		expiresAt   string
		paidAt      sql.NullString
		deliveredAt sql.NullString
		confirmedAt sql.NullString
	)
	err := row.Scan(&o.OrderID, &o.Status, &o.ClientName, &o.ClientAddress, &o.PaymentAddress, &o.ServiceType, &o.Description,
		&price, &o.Network, &o.TxHash, &o.Signature, &o.SignedMessage, &o.DeliveryEndpoint, &deliverable,
		&o.ContentHash, &o.FailureReason, &createdAt, &updatedAt, &expiresAt, &paidAt, &deliveredAt, &confirmedAt,
		&o.PayerAddress)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if o.PriceUSDC, err = decimal.NewFromString(price); err != nil {
		return o, fmt.Errorf("order %s price: %w", o.OrderID, err)
	}
	if deliverable.Valid {
		var d domain.Deliverable
		if err := json.Unmarshal([]byte(deliverable.String), &d); err != nil {
			return o, fmt.Errorf("order %s deliverable: %w", o.OrderID, err)
		}
		o.Deliverable = &d
	}
	if o.CreatedAt, err = parseTS(createdAt); err != nil {
		return o, err
	}
	if o.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return o, err
	}
	if o.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return o, err
	}
	if o.PaidAt, err = parseNullTS(paidAt); err != nil {
		return o, err
	}
	if o.DeliveredAt, err = parseNullTS(deliveredAt); err != nil {
		return o, err
	}
	if o.ConfirmedAt, err = parseNullTS(confirmedAt); err != nil {
		return o, err
	}
	return o, nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTS(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Create inserts a new order and records its initial status event.
func (r Repo) Create(ctx context.Context, o domain.Order) error {
	if err := domain.ValidateOrderID(o.OrderID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrderID, err)
	}
	now := r.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	var deliverable any
	if o.Deliverable != nil {
		payload, err := json.Marshal(o.Deliverable)
		if err != nil {
			return err
		}
		deliverable = string(payload)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO orders(order_id,status,client_name,client_address,payment_address,service_type,description,price_usdc,network,
tx_hash,signature,signed_message,delivery_endpoint,deliverable_json,content_hash,failure_reason,created_at,updated_at,expires_at,paid_at,delivered_at,confirmed_at,payer_address)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.OrderID, o.Status, nullable(o.ClientName), strings.ToLower(o.ClientAddress), strings.ToLower(o.PaymentAddress), o.ServiceType, o.Description,
		o.PriceUSDC.String(), o.Network, nullable(strings.ToLower(o.TxHash)), nullable(o.Signature), nullable(o.SignedMessage), nullable(o.DeliveryEndpoint),
		deliverable, nullable(o.ContentHash), nullable(o.FailureReason), formatTS(o.CreatedAt), formatTS(o.UpdatedAt), formatTS(o.ExpiresAt),
		nullableTS(o.PaidAt), nullableTS(o.DeliveredAt), nullableTS(o.ConfirmedAt), nullable(strings.ToLower(o.PayerAddress)))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.OrderID)
	}
	if err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, o.OrderID, "", o.Status, o.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) Get(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=?`, id))
}

// Update overlays u onto the stored order and returns the result. A status
// change must be a forward transition and is recorded in order_events.
func (r Repo) Update(ctx context.Context, id string, u domain.OrderUpdate) (domain.Order, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()

	current, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=?`, id))
	if err != nil {
		return domain.Order{}, err
	}
	if u.Status != nil && *u.Status != current.Status && !domain.CanTransition(current.Status, *u.Status) {
		return domain.Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, *u.Status)
	}

	now := r.now()
	fields := []string{"updated_at=?"}
	args := []any{formatTS(now)}
	if u.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *u.Status)
	}
	if u.TxHash != nil {
		fields = append(fields, "tx_hash=?")
		args = append(args, nullable(strings.ToLower(*u.TxHash)))
	}
	if u.PayerAddress != nil {
		fields = append(fields, "payer_address=?")
		args = append(args, nullable(strings.ToLower(*u.PayerAddress)))
	}
	if u.Signature != nil {
		fields = append(fields, "signature=?")
		args = append(args, nullable(*u.Signature))
	}
	if u.SignedMessage != nil {
		fields = append(fields, "signed_message=?")
		args = append(args, nullable(*u.SignedMessage))
	}
	if u.DeliveryEndpoint != nil {
		fields = append(fields, "delivery_endpoint=?")
		args = append(args, nullable(*u.DeliveryEndpoint))
	}
	if u.Deliverable != nil {
		payload, err := json.Marshal(u.Deliverable)
		if err != nil {
			return domain.Order{}, err
		}
		fields = append(fields, "deliverable_json=?")
		args = append(args, string(payload))
	}
	if u.ContentHash != nil {
		fields = append(fields, "content_hash=?")
		args = append(args, nullable(*u.ContentHash))
	}
	if u.FailureReason != nil {
		fields = append(fields, "failure_reason=?")
		args = append(args, nullable(*u.FailureReason))
	}
	if u.PaidAt != nil {
		fields = append(fields, "paid_at=?")
		args = append(args, nullableTS(u.PaidAt))
	}
	if u.DeliveredAt != nil {
		fields = append(fields, "delivered_at=?")
		args = append(args, nullableTS(u.DeliveredAt))
	}
	if u.ConfirmedAt != nil {
		fields = append(fields, "confirmed_at=?")
		args = append(args, nullableTS(u.ConfirmedAt))
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE orders SET %s WHERE order_id=?`, strings.Join(fields, ",")), args...)
	if isUniqueViolation(err) {
		return domain.Order{}, fmt.Errorf("%w: tx hash already recorded", ErrDuplicate)
	}
	if err != nil {
		return domain.Order{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.Order{}, ErrNotFound
	}
	if u.Status != nil && *u.Status != current.Status {
		if err := insertEvent(ctx, tx, id, current.Status, *u.Status, now); err != nil {
			return domain.Order{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	u.Apply(&current)
	current.UpdatedAt = now
	return current, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, orderID string, from, to domain.Status, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO order_events(order_id,from_status,to_status,ts) VALUES (?,?,?,?)`,
		orderID, nullable(string(from)), to, formatTS(ts))
	if err != nil {
		return fmt.Errorf("append order event: %w", err)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func (r Repo) List(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ClientAddress != "" {
		clauses = append(clauses, "client_address=?")
		args = append(args, strings.ToLower(f.ClientAddress))
	}
	if f.ServiceType != "" {
		clauses = append(clauses, "service_type=?")
		args = append(args, f.ServiceType)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at DESC, order_id DESC LIMIT ? OFFSET ?`
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, normalizeLimit(f.Limit), offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM orders WHERE order_id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TxHashes lists every recorded payment transaction hash.
func (r Repo) TxHashes(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tx_hash FROM orders WHERE tx_hash IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// Events returns the status history of an order, oldest first.
func (r Repo) Events(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,order_id,COALESCE(from_status,''),to_status,ts FROM order_events WHERE order_id=? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrderEvent
	for rows.Next() {
		var (
			ev domain.OrderEvent
			ts string
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.FromStatus, &ev.ToStatus, &ts); err != nil {
			return nil, err
		}
		if ev.TS, err = parseTS(ts); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
