package orders

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PgxPool is the subset of *pgxpool.Pool used by PostgresStore.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps orders in a single table. Filterable fields are columns;
// the editable details live in a jsonb document and status_history is a jsonb
// array appended in place.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgresStore wraps a pgx pool.
func NewPostgresStore(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Repository = (*PostgresStore)(nil)

// Migrate applies the embedded schema files in name order.
func Migrate(ctx context.Context, pool PgxPool) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sqlBytes, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

const orderColumns = `order_id, order_number, restaurant_id, customer_id, status, details, status_history,
	created_at, updated_at, confirmed_at, preparing_at, ready_at, out_for_delivery_at, delivered_at, cancelled_at`

func (s *PostgresStore) Create(ctx context.Context, order Order) error {
	details, err := json.Marshal(DetailsOf(order))
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	history, err := json.Marshal(nonNilHistory(order.StatusHistory))
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	q := `INSERT INTO orders (` + orderColumns + `, delivery_agent_id, customer_email_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err = s.pool.Exec(ctx, q,
		order.ID, order.OrderNumber, order.RestaurantID, order.CustomerID, string(order.Status),
		details, history, order.CreatedAt, order.UpdatedAt,
		order.ConfirmedAt, order.PreparingAt, order.ReadyAt, order.OutForDeliveryAt, order.DeliveredAt, order.CancelledAt,
		order.DeliveryAgentID, EmailKey(order.CustomerEmail),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, orderID string) (*Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE order_id = $1`
	return scanOrder(s.pool.QueryRow(ctx, q, orderID))
}

func (s *PostgresStore) List(ctx context.Context, filter Filter, page Page) (ListResult, error) {
	where, args := listWhere(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count orders: %w", err)
	}

	q := `SELECT ` + orderColumns + ` FROM orders` + where + ` ORDER BY created_at DESC, order_id DESC`
	if page.Limit > 0 {
		args = append(args, page.Limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		q += " OFFSET $" + strconv.Itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	out := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return ListResult{}, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("list orders: %w", err)
	}
	return ListResult{Orders: out, Total: total}, nil
}

// listWhere renders filter as a WHERE clause with positional arguments.
func listWhere(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.RestaurantID != "" {
		add("restaurant_id = ?", f.RestaurantID)
	}
	if f.CustomerID != "" {
		add("customer_id = ?", f.CustomerID)
	}
	if f.DeliveryAgentID != "" {
		add("delivery_agent_id = ?", f.DeliveryAgentID)
	}
	if f.CustomerEmail != "" {
		add("customer_email_key = ?", EmailKey(f.CustomerEmail))
	}
	if f.CreatedFrom != nil {
		add("created_at >= ?", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at <= ?", *f.CreatedTo)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// UpdateDetails merges the supplied fields of p into the details document
// with jsonb concatenation, so fields the patch leaves out keep whatever a
// concurrent writer stored.
func (s *PostgresStore) UpdateDetails(ctx context.Context, orderID string, p DetailsPatch) (*Order, error) {
	doc := patchDocument(p)
	patch, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal details patch: %w", err)
	}
	args := []any{orderID, patch, p.UpdatedAt}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	set := `details = details || $2::jsonb, updated_at = $3`
	if p.DeliveryAgentID != nil {
		set += ", delivery_agent_id = " + arg(*p.DeliveryAgentID)
	}
	if p.CustomerEmail != nil {
		set += ", customer_email_key = " + arg(EmailKey(*p.CustomerEmail))
	}
	where := `order_id = $1`
	if p.ExpectBasis != nil {
		basis, err := json.Marshal(p.ExpectBasis)
		if err != nil {
			return nil, fmt.Errorf("marshal pricing basis: %w", err)
		}
		where += ` AND jsonb_build_object('Items', details->'Items', 'DeliveryFee', details->'DeliveryFee',
			'ServiceFee', details->'ServiceFee', 'Discount', details->'Discount') = ` + arg(basis) + `::jsonb`
	}
	q := `UPDATE orders SET ` + set + ` WHERE ` + where + ` RETURNING ` + orderColumns
	o, err := scanOrder(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, ErrNotFound) && p.ExpectBasis != nil {
		return nil, s.staleOrMissing(ctx, orderID)
	}
	return o, err
}

// patchDocument renders the supplied fields of p with the keys of the
// stored Details document.
func patchDocument(p DetailsPatch) map[string]any {
	doc := map[string]any{"UpdatedAt": p.UpdatedAt}
	if p.CustomerName != nil {
		doc["CustomerName"] = *p.CustomerName
	}
	if p.CustomerPhone != nil {
		doc["CustomerPhone"] = *p.CustomerPhone
	}
	if p.CustomerEmail != nil {
		doc["CustomerEmail"] = *p.CustomerEmail
	}
	if p.DeliveryAgentID != nil {
		doc["DeliveryAgentID"] = *p.DeliveryAgentID
	}
	if p.DeliveryAddress != nil {
		doc["DeliveryAddress"] = p.DeliveryAddress
	}
	if p.Items != nil {
		doc["Items"] = p.Items
	}
	if p.Notes != nil {
		doc["Notes"] = *p.Notes
	}
	if p.Payment != nil {
		doc["Payment"] = p.Payment
	}
	if p.Pricing != nil {
		doc["Subtotal"] = p.Pricing.Subtotal
		doc["DeliveryFee"] = p.Pricing.DeliveryFee
		doc["ServiceFee"] = p.Pricing.ServiceFee
		doc["Discount"] = p.Pricing.Discount
		doc["Total"] = p.Pricing.Total
	}
	return doc
}

func (s *PostgresStore) ApplyStatusChange(ctx context.Context, orderID string, change StatusChange) (*Order, error) {
	entry, err := json.Marshal([]StatusHistoryEntry{change.Entry})
	if err != nil {
		return nil, fmt.Errorf("marshal history entry: %w", err)
	}
	set := `status = $2, status_history = status_history || $3::jsonb, updated_at = $4`
	if change.StampField != "" {
		if !ValidStampField(change.StampField) {
			return nil, fmt.Errorf("unknown stamp field %q", change.StampField)
		}
		set += ", " + change.StampField + " = $4"
	}
	args := []any{orderID, string(change.Status), entry, change.At}
	where := `order_id = $1`
	if change.ExpectStatus != "" {
		args = append(args, string(change.ExpectStatus))
		where += ` AND status = $5`
	}
	q := `UPDATE orders SET ` + set + ` WHERE ` + where + ` RETURNING ` + orderColumns
	o, err := scanOrder(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, ErrNotFound) && change.ExpectStatus != "" {
		return nil, s.staleOrMissing(ctx, orderID)
	}
	return o, err
}

// staleOrMissing classifies a guarded UPDATE that matched no row.
func (s *PostgresStore) staleOrMissing(ctx context.Context, orderID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return fmt.Errorf("check order: %w", err)
	}
	if exists {
		return ErrStale
	}
	return ErrNotFound
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o       Order
		status  string
		details []byte
		history []byte
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.RestaurantID, &o.CustomerID, &status, &details, &history,
		&o.CreatedAt, &o.UpdatedAt, &o.ConfirmedAt, &o.PreparingAt, &o.ReadyAt, &o.OutForDeliveryAt, &o.DeliveredAt, &o.CancelledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	var d Details
	if err := json.Unmarshal(details, &d); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	updatedAt := o.UpdatedAt
	o.ApplyDetails(d)
	o.UpdatedAt = updatedAt
	o.Status = Status(status)
	if err := json.Unmarshal(history, &o.StatusHistory); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &o, nil
}

func nonNilHistory(h []StatusHistoryEntry) []StatusHistoryEntry {
	if h == nil {
		return []StatusHistoryEntry{}
	}
	return h
}
