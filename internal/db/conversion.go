package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var ErrConversionNotFound = errors.New("conversion not found")

type Conversion struct {
	ID           string     `json:"id"`
	SourceKind   string     `json:"sourceKind"`
	Source       string     `json:"source"`
	SourceDigest *string    `json:"sourceDigest,omitempty"`
	Platform     string     `json:"platform"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	OutDir       string     `json:"outDir"`
	RootfsPath   *string    `json:"rootfsPath,omitempty"`
	Error        *string    `json:"error,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

const conversionColumns = `id, source_kind, source, source_digest, platform, mode, status, out_dir, rootfs_path, error, started_at, completed_at`

// InsertConversion stores a conversion in the running state.
func InsertConversion(ctx context.Context, historyDB *sql.DB, c *Conversion) error {
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	c.Status = StatusRunning

	query := `
		INSERT INTO conversions (id, source_kind, source, platform, mode, status, out_dir, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := historyDB.ExecContext(ctx, query,
		c.ID, c.SourceKind, c.Source, c.Platform, c.Mode, c.Status, c.OutDir, c.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("error inserting conversion %s: %w", c.ID, err)
	}
	return nil
}

// FinishConversion records the final status, digest, output and error of c.
func FinishConversion(ctx context.Context, historyDB *sql.DB, c *Conversion) error {
	if c.CompletedAt == nil {
		now := time.Now()
		c.CompletedAt = &now
	}

	query := `
		UPDATE conversions
		SET status = ?, source_digest = ?, rootfs_path = ?, error = ?, completed_at = ?
		WHERE id = ?
	`
	res, err := historyDB.ExecContext(ctx, query,
		c.Status, c.SourceDigest, c.RootfsPath, c.Error, c.CompletedAt.Unix(), c.ID)
	if err != nil {
		return fmt.Errorf("error updating conversion %s: %w", c.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error updating conversion %s: %w", c.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConversionNotFound, c.ID)
	}
	return nil
}

// GetConversionByID retrieves one conversion.
func GetConversionByID(ctx context.Context, historyDB *sql.DB, id string) (*Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE id = ?`
	c, err := scanConversion(historyDB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversionNotFound, id)
	}
	return c, err
}

// ListConversions returns the most recent conversions first. A limit <= 0
// returns all of them.
func ListConversions(ctx context.Context, historyDB *sql.DB, limit int) ([]*Conversion, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT ` + conversionColumns + ` FROM conversions ORDER BY started_at DESC, id DESC LIMIT ?`
	rows, err := historyDB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing conversions: %w", err)
	}
	defer rows.Close()

	var conversions []*Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		conversions = append(conversions, c)
	}

	return conversions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversion(row scanner) (*Conversion, error) {
	var (
		c           Conversion
		startedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.SourceKind, &c.Source, &c.SourceDigest, &c.Platform, &c.Mode,
		&c.Status, &c.OutDir, &c.RootfsPath, &c.Error, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	c.StartedAt = time.Unix(startedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		c.CompletedAt = &t
	}
	return &c, nil
}
