// Package store persists disbursement requests and abuse entries.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/faucet/faucet/pkg/abuse"
	"github.com/malbeclabs/faucet/faucet/pkg/admission"
	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
	"github.com/malbeclabs/faucet/faucet/pkg/metrics"
	"github.com/malbeclabs/faucet/faucet/pkg/settings"
	"github.com/malbeclabs/faucet/faucet/pkg/stats"
)

const uniqueViolation = "23505"

const requestColumns = `id, wallet_address, origin_address, amount, status, tx_reference, failure_reason,
	elapsed_ms, user_agent, browser, os, device, is_bot, country, region, city, timezone, created_at, updated_at`

type PostgresConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Postgres{log: cfg.Logger, pool: cfg.Pool}, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func scanRequest(row pgx.Row) (*disbursement.Request, error) {
	var (
		r      disbursement.Request
		amount int64
		status string
	)
	err := row.Scan(
		&r.ID, &r.WalletAddress, &r.OriginAddress, &amount, &status, &r.TxReference, &r.FailureReason,
		&r.ElapsedMs, &r.Metadata.UserAgent, &r.Metadata.Browser, &r.Metadata.OS, &r.Metadata.Device,
		&r.Metadata.IsBot, &r.Metadata.Country, &r.Metadata.Region, &r.Metadata.City, &r.Metadata.Timezone,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Amount = uint64(amount)
	r.Status = disbursement.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func collectRequests(rows pgx.Rows) ([]disbursement.Request, error) {
	defer rows.Close()
	out := []disbursement.Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateRequest(ctx context.Context, req *disbursement.Request) (err error) {
	defer observe("create_request", time.Now(), &err)
	if req.Amount > 1<<63-1 {
		return fmt.Errorf("amount %d out of range", req.Amount)
	}
	m := req.Metadata
	_, err = s.pool.Exec(ctx, `
		INSERT INTO disbursement_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, req.ID, req.WalletAddress, req.OriginAddress, int64(req.Amount), string(req.Status), req.TxReference,
		req.FailureReason, req.ElapsedMs, m.UserAgent, m.Browser, m.OS, m.Device, m.IsBot, m.Country,
		m.Region, m.City, m.Timezone, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// FinalizeRequest is a compare-and-set on status = 'pending'.
func (s *Postgres) FinalizeRequest(ctx context.Context, id uuid.UUID, f disbursement.Finalization) (_ *disbursement.Request, _ bool, err error) {
	defer observe("finalize_request", time.Now(), &err)

	var txRef, reason *string
	if f.Status == disbursement.StatusSuccess {
		txRef = &f.TxReference
	} else {
		reason = &f.FailureReason
	}
	r, err := scanRequest(s.pool.QueryRow(ctx, `
		UPDATE disbursement_requests
		SET status = $2, tx_reference = $3, failure_reason = $4, elapsed_ms = $5, updated_at = $6
		WHERE id = $1 AND status = 'pending'
		RETURNING `+requestColumns,
		id, string(f.Status), txRef, reason, f.Elapsed.Milliseconds(), f.At))
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to finalize request: %w", err)
	}

	current, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *Postgres) GetRequest(ctx context.Context, id uuid.UUID) (_ *disbursement.Request, err error) {
	defer observe("get_request", time.Now(), &err)
	r, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM disbursement_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, disbursement.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

func (s *Postgres) ListRequests(ctx context.Context, filter disbursement.Filter) (_ []disbursement.Request, _ int, err error) {
	defer observe("list_requests", time.Now(), &err)

	var (
		where []string
		args  []any
	)
	if filter.WalletAddress != "" {
		args = append(args, filter.WalletAddress)
		where = append(where, fmt.Sprintf("wallet_address = $%d", len(args)))
	}
	if filter.WalletContains != "" {
		args = append(args, "%"+escapeLike(filter.WalletContains)+"%")
		where = append(where, fmt.Sprintf("wallet_address LIKE $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM disbursement_requests`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	q := `SELECT ` + requestColumns + ` FROM disbursement_requests` + clause + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}
	out, err := collectRequests(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Postgres) FailStalePending(ctx context.Context, createdBefore time.Time, reason string, at time.Time) (_ []disbursement.Request, err error) {
	defer observe("fail_stale_pending", time.Now(), &err)
	rows, err := s.pool.Query(ctx, `
		UPDATE disbursement_requests
		SET status = 'failed',
			failure_reason = $2,
			elapsed_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - created_at)) * 1000)::BIGINT,
			updated_at = $3
		WHERE status = 'pending' AND created_at < $1
		RETURNING `+requestColumns, createdBefore, reason, at)
	if err != nil {
		return nil, fmt.Errorf("failed to fail stale requests: %w", err)
	}
	return collectRequests(rows)
}

func (s *Postgres) CountSuccessful(ctx context.Context, dim admission.Dimension, key string, since time.Time) (_ int, err error) {
	defer observe("count_successful", time.Now(), &err)

	column := "wallet_address"
	if dim == admission.DimensionOrigin {
		column = "origin_address"
	}
	var n int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM disbursement_requests
		WHERE `+column+` = $1 AND status = 'success' AND created_at >= $2
	`, key, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count successful requests: %w", err)
	}
	return n, nil
}

const entryColumns = `id, target, kind, reason, expires_at, created_by, created_at`

func scanEntry(row pgx.Row) (*abuse.Entry, error) {
	var (
		e    abuse.Entry
		kind string
	)
	if err := row.Scan(&e.ID, &e.Target, &kind, &e.Reason, &e.ExpiresAt, &e.CreatedBy, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = abuse.Kind(kind)
	e.CreatedAt = e.CreatedAt.UTC()
	if e.ExpiresAt != nil {
		exp := e.ExpiresAt.UTC()
		e.ExpiresAt = &exp
	}
	return &e, nil
}

func (s *Postgres) FindActiveEntry(ctx context.Context, target string, kind abuse.Kind, now time.Time) (_ *abuse.Entry, err error) {
	defer observe("find_active_entry", time.Now(), &err)
	e, err := scanEntry(s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM abuse_entries
		WHERE target = $1 AND kind = $2 AND (expires_at IS NULL OR expires_at > $3)
	`, target, string(kind), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entry: %w", err)
	}
	return e, nil
}

// InsertEntry drops a lapsed entry for the same target and kind before
// inserting; the unique constraint turns a concurrent or active duplicate
// into abuse.ErrConflict.
func (s *Postgres) InsertEntry(ctx context.Context, entry abuse.Entry, now time.Time) (err error) {
	defer observe("insert_entry", time.Now(), &err)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err = tx.Exec(ctx, `
		DELETE FROM abuse_entries
		WHERE target = $1 AND kind = $2 AND expires_at IS NOT NULL AND expires_at <= $3
	`, entry.Target, string(entry.Kind), now); err != nil {
		return fmt.Errorf("failed to delete lapsed entry: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO abuse_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.Target, string(entry.Kind), entry.Reason, entry.ExpiresAt, entry.CreatedBy, entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return abuse.ErrConflict
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Postgres) DeleteEntries(ctx context.Context, target string, kind abuse.Kind) (_ int64, err error) {
	defer observe("delete_entries", time.Now(), &err)
	tag, err := s.pool.Exec(ctx, `DELETE FROM abuse_entries WHERE target = $1 AND kind = $2`, target, string(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ListEntries(ctx context.Context, filter abuse.Filter) (_ []abuse.Entry, _ int, err error) {
	defer observe("list_entries", time.Now(), &err)

	var kind *string
	if filter.Kind != nil {
		k := string(*filter.Kind)
		kind = &k
	}
	var total int
	if err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM abuse_entries WHERE $1::text IS NULL OR kind = $1
	`, kind).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	limit := any(nil)
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM abuse_entries
		WHERE $1::text IS NULL OR kind = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, kind, limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	out := []abuse.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// StatusTotals reads every status count in one statement so the parts always
// add up to the total.
func (s *Postgres) StatusTotals(ctx context.Context) (_ stats.Totals, err error) {
	defer observe("status_totals", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0)::text, COALESCE(AVG(elapsed_ms), 0)::float8
		FROM disbursement_requests
		GROUP BY status
	`)
	if err != nil {
		return stats.Totals{}, fmt.Errorf("failed to query status totals: %w", err)
	}
	defer rows.Close()

	t := stats.Totals{SuccessAmount: new(big.Int)}
	for rows.Next() {
		var (
			status string
			count  int64
			sum    string
			avg    float64
		)
		if err := rows.Scan(&status, &count, &sum, &avg); err != nil {
			return stats.Totals{}, fmt.Errorf("failed to scan status totals: %w", err)
		}
		switch disbursement.Status(status) {
		case disbursement.StatusPending:
			t.Pending = count
		case disbursement.StatusFailed:
			t.Failed = count
		case disbursement.StatusSuccess:
			t.Success = count
			t.AvgSuccessElapsedMs = avg
			if _, ok := t.SuccessAmount.SetString(sum, 10); !ok {
				return stats.Totals{}, fmt.Errorf("invalid amount sum %q", sum)
			}
		}
	}
	return t, rows.Err()
}

func (s *Postgres) CountCreatedSince(ctx context.Context, since time.Time) (_ int64, err error) {
	defer observe("count_created_since", time.Now(), &err)
	var n int64
	if err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM disbursement_requests WHERE created_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return n, nil
}

func (s *Postgres) topBuckets(ctx context.Context, keyExpr string, limit int) ([]stats.Bucket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+keyExpr+` AS key, COUNT(*) AS n
		FROM disbursement_requests
		WHERE status = 'success'
		GROUP BY key
		ORDER BY n DESC, key
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []stats.Bucket{}
	for rows.Next() {
		var b stats.Bucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Postgres) TopWallets(ctx context.Context, limit int) (_ []stats.Bucket, err error) {
	defer observe("top_wallets", time.Now(), &err)
	out, err := s.topBuckets(ctx, "wallet_address", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top wallets: %w", err)
	}
	return out, nil
}

func (s *Postgres) TopCountries(ctx context.Context, limit int) (_ []stats.Bucket, err error) {
	defer observe("top_countries", time.Now(), &err)
	out, err := s.topBuckets(ctx, "COALESCE(NULLIF(country, ''), 'Unknown')", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top countries: %w", err)
	}
	return out, nil
}

func (s *Postgres) RecentSuccessful(ctx context.Context, limit int) (_ []disbursement.Request, err error) {
	defer observe("recent_successful", time.Now(), &err)
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM disbursement_requests
		WHERE status = 'success'
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent requests: %w", err)
	}
	return collectRequests(rows)
}

func (s *Postgres) RequestPoints(ctx context.Context, since, until time.Time) (_ []stats.Point, err error) {
	defer observe("request_points", time.Now(), &err)
	rows, err := s.pool.Query(ctx, `
		SELECT status, created_at FROM disbursement_requests
		WHERE created_at >= $1 AND created_at <= $2
	`, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to query request points: %w", err)
	}
	defer rows.Close()

	out := []stats.Point{}
	for rows.Next() {
		var (
			p      stats.Point
			status string
		)
		if err := rows.Scan(&status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan request point: %w", err)
		}
		p.Status = disbursement.Status(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func observe(op string, start time.Time, errp *error) {
	metrics.RecordStoreQuery(op, start, *errp)
}

const settingColumns = `key, value, description, is_public, updated_by, created_at, updated_at`

func scanSetting(row pgx.Row) (*settings.Entry, error) {
	var e settings.Entry
	if err := row.Scan(&e.Key, &e.Value, &e.Description, &e.IsPublic, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Postgres) UpsertSetting(ctx context.Context, u settings.Upsert, now time.Time) (_ *settings.Entry, err error) {
	defer observe("upsert_setting", time.Now(), &err)

	e, err := scanSetting(s.pool.QueryRow(ctx, `
		INSERT INTO config_entries (key, value, description, is_public, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, FALSE), $5, $6, $6)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			description = COALESCE($3, config_entries.description),
			is_public = COALESCE($4, config_entries.is_public),
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
		RETURNING `+settingColumns,
		u.Key, u.Value, u.Description, u.IsPublic, u.UpdatedBy, now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert setting %q: %w", u.Key, err)
	}
	return e, nil
}

func (s *Postgres) ListSettings(ctx context.Context) (_ []settings.Entry, err error) {
	defer observe("list_settings", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `SELECT `+settingColumns+` FROM config_entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	out := make([]settings.Entry, 0)
	for rows.Next() {
		e, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
