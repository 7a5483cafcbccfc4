package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"processline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanEntity(row *sql.Row) (domain.Entity, error) {
	var e domain.Entity
	var attrs string
	err := row.Scan(&e.ID, &e.Type, &e.Status, &attrs, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return e, fmt.Errorf("decode entity %s attributes: %w", e.ID, err)
	}
	return e, nil
}

const entityColumns = `id,entity_type,status,attributes,created_at,updated_at`

func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	return scanEntity(r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id))
}

func (r Repo) GetEntityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Entity, error) {
	return scanEntity(tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id))
}

func (r Repo) InsertEntityTx(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	attrs, err := marshalAttributes(e.Attributes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entities(id,entity_type,status,attributes,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.Type, e.Status, attrs, e.CreatedAt, e.UpdatedAt)
	return err
}

// UpdateEntityGuarded applies the status/attribute change only if the row
// still carries the expected prior status. Returns the number of rows
// affected; zero means another command won the race.
func (r Repo) UpdateEntityGuarded(ctx context.Context, tx *sql.Tx, id, expectedStatus string, e domain.Entity) (int64, error) {
	attrs, err := marshalAttributes(e.Attributes)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE entities SET status=?, attributes=?, updated_at=? WHERE id=? AND status=?`,
		e.Status, attrs, e.UpdatedAt, id, expectedStatus)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ListEntities(ctx context.Context, entityType string, limit int) ([]domain.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type=?`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		var e domain.Entity
		var attrs string
		if err := rows.Scan(&e.ID, &e.Type, &e.Status, &attrs, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode entity %s attributes: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// NextHistorySeqTx returns the next per-entity history sequence number.
func (r Repo) NextHistorySeqTx(ctx context.Context, tx *sql.Tx, entityID string) (int64, error) {
	var seq sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM entity_history WHERE entity_id=?`, entityID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64 + 1, nil
}

func (r Repo) AppendHistoryTx(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entity_history(entity_id,entity_type,seq,command,from_status,to_status,actor_id,trace_id,payload_json,ts) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		h.EntityID, h.EntityType, h.Seq, h.Command, h.FromStatus, h.ToStatus, h.ActorID, h.TraceID, nullable(h.PayloadJSON), h.TS)
	return err
}

const historyColumns = `id,entity_id,entity_type,seq,command,from_status,to_status,actor_id,trace_id,COALESCE(payload_json,''),ts`

func (r Repo) ListHistory(ctx context.Context, entityID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historyColumns+` FROM entity_history WHERE entity_id=? ORDER BY seq ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHistory(rows)
}

// HistoryAfter returns history entries with id greater than the cursor,
// oldest first, for log tailing and reconciliation.
func (r Repo) HistoryAfter(ctx context.Context, afterID int64, limit int) ([]domain.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM entity_history WHERE id>? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHistory(rows)
}

func collectHistory(rows *sql.Rows) ([]domain.HistoryEntry, error) {
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.EntityID, &h.EntityType, &h.Seq, &h.Command, &h.FromStatus, &h.ToStatus, &h.ActorID, &h.TraceID, &h.PayloadJSON, &h.TS); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) InsertDelivery(ctx context.Context, d domain.Delivery) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO event_deliveries(event_id,event_type,entity_id,entity_type,trace_id,status,error,ts) VALUES (?,?,?,?,?,?,?,?)`,
		d.EventID, d.EventType, d.EntityID, d.EntityType, d.TraceID, d.Status, nullable(d.Error), d.TS)
	return err
}

func (r Repo) ListDeliveries(ctx context.Context, status string, limit int) ([]domain.Delivery, error) {
	query := `SELECT id,event_id,event_type,entity_id,entity_type,trace_id,status,COALESCE(error,''),ts FROM event_deliveries`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(&d.ID, &d.EventID, &d.EventType, &d.EntityID, &d.EntityType, &d.TraceID, &d.Status, &d.Error, &d.TS); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// DeliveryCounts returns delivery row counts by status since the given
// RFC3339 timestamp (all rows when empty).
func (r Repo) DeliveryCounts(ctx context.Context, since string) (published, failed int64, err error) {
	query := `SELECT status, COUNT(*) FROM event_deliveries`
	var args []any
	if since != "" {
		query += ` WHERE ts>=?`
		args = append(args, since)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, err
		}
		switch status {
		case domain.DeliveryPublished:
			published = n
		case domain.DeliveryFailed:
			failed = n
		}
	}
	return published, failed, rows.Err()
}

// UndeliveredCounts returns, per entity, how many history entries lack a
// matching delivery attempt. Entities where the gap is zero are omitted.
func (r Repo) UndeliveredCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT h.entity_id, COUNT(*) - COALESCE(d.n, 0)
FROM entity_history h
LEFT JOIN (SELECT entity_id, COUNT(*) AS n FROM event_deliveries GROUP BY entity_id) d
  ON d.entity_id = h.entity_id
GROUP BY h.entity_id
HAVING COUNT(*) - COALESCE(d.n, 0) > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int64{}
	for rows.Next() {
		var id string
		var gap int64
		if err := rows.Scan(&id, &gap); err != nil {
			return nil, err
		}
		res[id] = gap
	}
	return res, rows.Err()
}

// VariantStat holds bandit counters for one (process, variant) pair.
type VariantStat struct {
	Variant   string
	Attempts  int64
	Successes int64
}

func (r Repo) VariantStats(ctx context.Context, process string) ([]VariantStat, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT variant,attempts,successes FROM variant_stats WHERE process=?`, process)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []VariantStat
	for rows.Next() {
		var s VariantStat
		if err := rows.Scan(&s.Variant, &s.Attempts, &s.Successes); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// RecordOutcome bumps bandit counters for a served variant.
func (r Repo) RecordOutcome(ctx context.Context, process, variant string, success bool) error {
	won := 0
	if success {
		won = 1
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO variant_stats(process,variant,attempts,successes,updated_at) VALUES (?,?,1,?,?)
ON CONFLICT(process,variant) DO UPDATE SET attempts=attempts+1, successes=successes+excluded.successes, updated_at=excluded.updated_at`,
		process, variant, won, now)
	return err
}

func marshalAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attributes: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
