package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fleetopt/internal/geo"
	"fleetopt/internal/model"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type Postgres struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return NewPostgresDB(db), nil
}

// NewPostgresDB wraps an open handle.
func NewPostgresDB(db *sql.DB) *Postgres { return &Postgres{db: db, now: time.Now} }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded schema; every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

const orderCols = `id, status, COALESCE(vehicle_id,''), priority, pickup, delivery, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (model.Order, error) {
	var o model.Order
	var pickup, delivery []byte
	if err := row.Scan(&o.ID, &o.Status, &o.VehicleID, &o.Priority, &pickup, &delivery, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return model.Order{}, err
	}
	if err := json.Unmarshal(pickup, &o.Pickup); err != nil {
		return model.Order{}, fmt.Errorf("order %s pickup: %w", o.ID, err)
	}
	if err := json.Unmarshal(delivery, &o.Delivery); err != nil {
		return model.Order{}, fmt.Errorf("order %s delivery: %w", o.ID, err)
	}
	return o, nil
}

func (p *Postgres) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Pickup.ID == "" {
		o.Pickup.ID = o.ID + "-pickup"
	}
	if o.Delivery.ID == "" {
		o.Delivery.ID = o.ID + "-delivery"
	}
	o.Pickup.OrderID, o.Delivery.OrderID = o.ID, o.ID
	o.Pickup.Kind, o.Delivery.Kind = model.StopPickup, model.StopDelivery
	if o.Status == "" {
		o.Status = model.OrderUnassigned
	}
	now := p.now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	pickup, _ := json.Marshal(o.Pickup)
	delivery, _ := json.Marshal(o.Delivery)
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders (id, status, vehicle_id, priority, pickup, delivery, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.Status, nullIfEmpty(o.VehicleID), o.Priority, pickup, delivery, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return model.Order{}, ErrExists
	}
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	return o, err
}

func (p *Postgres) ListOrders(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderCols+` FROM orders WHERE ($1 = '' OR status = $1) ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) TransitionOrder(ctx context.Context, id string, from, to model.OrderStatus, vehicleID string) (model.Order, error) {
	if err := model.Transition(from, to); err != nil {
		return model.Order{}, err
	}
	o, err := scanOrder(p.db.QueryRowContext(ctx, `UPDATE orders SET status=$3, vehicle_id=$4, updated_at=$5
        WHERE id=$1 AND status=$2 RETURNING `+orderCols,
		id, string(from), string(to), nullIfEmpty(vehicleID), p.now().UTC()))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, err
	}
	var cur string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id=$1`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	return model.Order{}, fmt.Errorf("%w: order %s is %s, not %s", ErrStatusConflict, id, cur, from)
}

func (p *Postgres) UpsertVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.UpdatedAt = p.now().UTC()
	_, err := p.db.ExecContext(ctx, `INSERT INTO vehicles (id, lat, lng, max_weight, max_volume, class, available, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (id) DO UPDATE SET lat=EXCLUDED.lat, lng=EXCLUDED.lng, max_weight=EXCLUDED.max_weight,
            max_volume=EXCLUDED.max_volume, class=EXCLUDED.class, available=EXCLUDED.available, updated_at=EXCLUDED.updated_at`,
		v.ID, v.Location.Lat, v.Location.Lng, v.Capacity.MaxWeight, v.Capacity.MaxVolume, string(v.Class), v.Available, v.UpdatedAt)
	if err != nil {
		return model.Vehicle{}, err
	}
	return p.GetVehicle(ctx, v.ID)
}

const vehicleSelect = `SELECT v.id, v.lat, v.lng, v.max_weight, v.max_volume, v.class, v.available, v.updated_at, r.doc
    FROM vehicles v LEFT JOIN routes r ON r.vehicle_id = v.id`

func scanVehicle(row rowScanner) (model.Vehicle, error) {
	var v model.Vehicle
	var doc []byte
	if err := row.Scan(&v.ID, &v.Location.Lat, &v.Location.Lng, &v.Capacity.MaxWeight, &v.Capacity.MaxVolume, &v.Class, &v.Available, &v.UpdatedAt, &doc); err != nil {
		return model.Vehicle{}, err
	}
	if len(doc) > 0 {
		var r model.Route
		if err := json.Unmarshal(doc, &r); err != nil {
			return model.Vehicle{}, fmt.Errorf("vehicle %s route: %w", v.ID, err)
		}
		v.Route = &r
	}
	return v, nil
}

func (p *Postgres) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	v, err := scanVehicle(p.db.QueryRowContext(ctx, vehicleSelect+` WHERE v.id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, ErrNotFound
	}
	return v, err
}

func (p *Postgres) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	rows, err := p.db.QueryContext(ctx, vehicleSelect+` ORDER BY v.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateVehicleLocation(ctx context.Context, id string, pt geo.Point, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE vehicles SET lat=$2, lng=$3, updated_at=$4 WHERE id=$1`, id, pt.Lat, pt.Lng, at.UTC())
	return affectedOne(res, err)
}

func (p *Postgres) SetVehicleAvailability(ctx context.Context, id string, available bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE vehicles SET available=$2 WHERE id=$1`, id, available)
	return affectedOne(res, err)
}

func (p *Postgres) CommitRoute(ctx context.Context, vehicleID string, expectedVersion int, r model.Route) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()

	v, err := lockVehicle(ctx, tx, vehicleID)
	if err != nil {
		return model.Route{}, err
	}
	if routeVersion(v) != expectedVersion {
		return model.Route{}, ErrVersionConflict
	}
	if err := checkRoute(v, r); err != nil {
		return model.Route{}, err
	}
	out, err := p.swapRoute(ctx, tx, v, r)
	if err != nil {
		return model.Route{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return out, nil
}

func (p *Postgres) CompleteStop(ctx context.Context, vehicleID, stopID string) (model.Route, model.Stop, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, model.Stop{}, err
	}
	defer func() { _ = tx.Rollback() }()

	v, err := lockVehicle(ctx, tx, vehicleID)
	if err != nil {
		return model.Route{}, model.Stop{}, err
	}
	if v.Route == nil {
		return model.Route{}, model.Stop{}, ErrNotFound
	}
	next, done, found := withoutStop(*v.Route, stopID)
	if !found {
		return model.Route{}, model.Stop{}, ErrNotFound
	}
	out, err := p.swapRoute(ctx, tx, v, next)
	if err != nil {
		return model.Route{}, model.Stop{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, model.Stop{}, err
	}
	return out, done, nil
}

func lockVehicle(ctx context.Context, tx *sql.Tx, id string) (model.Vehicle, error) {
	v, err := scanVehicle(tx.QueryRowContext(ctx, vehicleSelect+` WHERE v.id=$1 FOR UPDATE OF v`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, ErrNotFound
	}
	return v, err
}

func (p *Postgres) swapRoute(ctx context.Context, tx *sql.Tx, v model.Vehicle, r model.Route) (model.Route, error) {
	r = r.Clone()
	r.VehicleID = v.ID
	r.Version = routeVersion(v) + 1
	if v.Route != nil {
		r.ID = v.Route.ID
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CommittedAt = p.now().UTC()

	if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE vehicle_id=$1`, v.ID); err != nil {
		return model.Route{}, err
	}
	for _, s := range r.Stops {
		_, err := tx.ExecContext(ctx, `INSERT INTO route_stops (stop_id, vehicle_id) VALUES ($1,$2)`, s.ID, v.ID)
		if isUniqueViolation(err) {
			return model.Route{}, fmt.Errorf("%w: %s", ErrDuplicateStop, s.ID)
		}
		if err != nil {
			return model.Route{}, err
		}
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return model.Route{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO routes (vehicle_id, id, version, doc, committed_at) VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (vehicle_id) DO UPDATE SET id=EXCLUDED.id, version=EXCLUDED.version, doc=EXCLUDED.doc, committed_at=EXCLUDED.committed_at`,
		v.ID, r.ID, r.Version, doc, r.CommittedAt)
	if err != nil {
		return model.Route{}, err
	}
	return r, nil
}

func (p *Postgres) Reliability(ctx context.Context, vehicleID string) (float64, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vehicle_penalties WHERE vehicle_id=$1`, vehicleID).Scan(&n); err != nil {
		return 0, err
	}
	return reliabilityFrom(n), nil
}

func (p *Postgres) RecordPenalty(ctx context.Context, vehicleID, orderID, reason string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO vehicle_penalties (id, vehicle_id, order_id, reason, created_at) VALUES ($1,$2,$3,$4,$5)`,
		uuid.New().String(), vehicleID, nullIfEmpty(orderID), nullIfEmpty(reason), p.now().UTC())
	return err
}

// Webhook deliveries
func (p *Postgres) EnqueueWebhook(ctx context.Context, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, event_type, url, secret, payload, dedup_key, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())
        ON CONFLICT (event_type, url, dedup_key) DO NOTHING`, id, eventType, url, nullIfEmpty(secret), payload, computeDedupKey(payload))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`,
			id, responseCode, latencyMs)
		return err
	}
	if nextAttemptAt == nil {
		t := p.now().Add(time.Minute)
		nextAttemptAt = &t
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
		id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

// computeDedupKey uses the event id when the payload carries one, else a
// short content hash.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
