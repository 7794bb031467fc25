package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"europa/internal/db"
)

const uniqueViolation = "23505"

// Postgres is a Store over a sqlx handle.
type Postgres struct {
	db *sqlx.DB
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

const transferColumns = `id, file_id, file_name, created_at, expiration_date, short_url`

func (p *Postgres) CreateTransfer(ctx context.Context, t *Transfer) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	err := db.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_transfers (`+transferColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			t.ID, t.FileID, t.FileName, t.CreatedAt, t.ExpirationDate, t.ShortURL)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO url_mappings (id, file_identifier, short_url, created_at)
			VALUES ($1, $2, $3, $4)`,
			uuid.New(), t.FileID, t.ShortURL, t.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: create transfer: %w", translate(err))
	}
	return nil
}

func (p *Postgres) TransferByShortURL(ctx context.Context, token string) (*Transfer, error) {
	var t Transfer
	err := p.db.GetContext(ctx, &t, `SELECT `+transferColumns+` FROM file_transfers WHERE short_url = $1`, token)
	if err != nil {
		return nil, fmt.Errorf("store: transfer by short url: %w", translate(err))
	}
	return &t, nil
}

func (p *Postgres) TransferByFileID(ctx context.Context, fileID string) (*Transfer, error) {
	var t Transfer
	err := p.db.GetContext(ctx, &t, `SELECT `+transferColumns+` FROM file_transfers WHERE file_id = $1`, fileID)
	if err != nil {
		return nil, fmt.Errorf("store: transfer by file id: %w", translate(err))
	}
	return &t, nil
}

func (p *Postgres) TokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM file_transfers WHERE short_url = $1)`, token)
	if err != nil {
		return false, fmt.Errorf("store: token exists: %w", err)
	}
	return exists, nil
}

func (p *Postgres) CreateCleanupRun(ctx context.Context, run *CleanupRun) error {
	err := p.db.QueryRowxContext(ctx, `
		INSERT INTO cleanup_logs (start_time, end_time, files_processed, files_deleted, error_count, bytes_freed, status, error_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		run.StartTime, run.EndTime, run.FilesProcessed, run.FilesDeleted,
		run.ErrorCount, run.BytesFreed, run.Status, run.ErrorDetails,
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("store: create cleanup run: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateCleanupRun(ctx context.Context, run *CleanupRun) error {
	res, err := p.db.NamedExecContext(ctx, `
		UPDATE cleanup_logs SET
			end_time = :end_time,
			files_processed = :files_processed,
			files_deleted = :files_deleted,
			error_count = :error_count,
			bytes_freed = :bytes_freed,
			status = :status,
			error_details = :error_details
		WHERE id = :id`, run)
	if err != nil {
		return fmt.Errorf("store: update cleanup run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: update cleanup run %d: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) LastCleanupRun(ctx context.Context) (*CleanupRun, error) {
	var run CleanupRun
	err := p.db.GetContext(ctx, &run, `
		SELECT id, start_time, end_time, files_processed, files_deleted, error_count, bytes_freed, status, error_details
		FROM cleanup_logs
		ORDER BY start_time DESC, id DESC
		LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("store: last cleanup run: %w", translate(err))
	}
	return &run, nil
}

func (p *Postgres) BeginSweep(ctx context.Context) (SweepTx, error) {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("store: begin sweep: %w", err)
	}
	return &pgSweep{tx: tx}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// translate maps driver errors to store sentinels.
func translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if strings.Contains(pgErr.ConstraintName, "short_url") {
			return fmt.Errorf("%w: %s", ErrDuplicateToken, pgErr.ConstraintName)
		}
		return fmt.Errorf("%w: %s", ErrDuplicateFile, pgErr.ConstraintName)
	}
	if retryable(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "57P01", "53300":
		return true
	}
	// Class 08: connection exception.
	return strings.HasPrefix(pgErr.Code, "08")
}

type pgSweep struct {
	tx      *sqlx.Tx
	ids     []uuid.UUID
	fileIDs []string
}

func (s *pgSweep) CountExpired(ctx context.Context, now time.Time) (int, error) {
	var n int
	if err := s.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM file_transfers WHERE expiration_date < $1`, now); err != nil {
		return 0, fmt.Errorf("store: count expired: %w", err)
	}
	return n, nil
}

func (s *pgSweep) ExpiredPage(ctx context.Context, now time.Time, after Cursor, limit int) ([]Transfer, error) {
	var (
		page []Transfer
		err  error
	)
	if after.IsZero() {
		err = s.tx.SelectContext(ctx, &page, `
			SELECT `+transferColumns+`
			FROM file_transfers
			WHERE expiration_date < $1
			ORDER BY expiration_date, id
			LIMIT $2`, now, limit)
	} else {
		err = s.tx.SelectContext(ctx, &page, `
			SELECT `+transferColumns+`
			FROM file_transfers
			WHERE expiration_date < $1 AND (expiration_date, id) > ($2, $3)
			ORDER BY expiration_date, id
			LIMIT $4`, now, after.ExpirationDate, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: expired page: %w", err)
	}
	return page, nil
}

func (s *pgSweep) StageDelete(t Transfer) {
	s.ids = append(s.ids, t.ID)
	s.fileIDs = append(s.fileIDs, t.FileID)
}

func (s *pgSweep) Pending() int { return len(s.ids) }

func (s *pgSweep) Flush(ctx context.Context) (int, error) {
	if len(s.ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`DELETE FROM url_mappings WHERE file_identifier IN (?)`, s.fileIDs)
	if err != nil {
		return 0, err
	}
	if _, err := s.tx.ExecContext(ctx, s.tx.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("store: flush url mappings: %w", err)
	}

	query, args, err = sqlx.In(`DELETE FROM file_transfers WHERE id IN (?)`, s.ids)
	if err != nil {
		return 0, err
	}
	res, err := s.tx.ExecContext(ctx, s.tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("store: flush transfers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	s.ids, s.fileIDs = s.ids[:0], s.fileIDs[:0]
	return int(n), nil
}

func (s *pgSweep) TransferExists(ctx context.Context, fileID string) (bool, error) {
	var exists bool
	err := s.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM file_transfers WHERE file_id = $1)`, fileID)
	if err != nil {
		return false, fmt.Errorf("store: transfer exists: %w", err)
	}
	return exists, nil
}

func (s *pgSweep) Commit() error {
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit sweep: %w", err)
	}
	return nil
}

func (s *pgSweep) Rollback() error {
	err := s.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

var _ Store = (*Postgres)(nil)
