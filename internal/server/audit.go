package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Fulfilment outcomes stored in the audit trail.
const (
	fulfilmentSucceeded = "succeeded"
	fulfilmentFailed    = "failed"
)

// Fulfilment is one POST /dl attempt as recorded in the audit trail.
type Fulfilment struct {
	ID           uuid.UUID
	RequestID    string
	ClientIP     string
	Status       string
	FailedStep   string
	ErrorMessage string
	LicenseBytes int64
	BookBytes    int64
	BookSHA256   string
	VoucherKey   string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// AuditRecorder persists fulfilment attempts.
type AuditRecorder interface {
	Record(ctx context.Context, f Fulfilment) error
}

// AuditStore writes fulfilments to PostgreSQL.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Record inserts f into the fulfilments table.
func (a *AuditStore) Record(ctx context.Context, f Fulfilment) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO fulfilments (
			id, request_id, client_ip, status, failed_step, error_message,
			license_bytes, book_bytes, book_sha256, voucher_key,
			started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		f.ID,
		f.RequestID,
		f.ClientIP,
		f.Status,
		nullString(f.FailedStep),
		nullString(f.ErrorMessage),
		f.LicenseBytes,
		f.BookBytes,
		nullString(f.BookSHA256),
		nullString(f.VoucherKey),
		f.StartedAt,
		f.FinishedAt,
	)
	return err
}

// Ping checks that the database answers.
func (a *AuditStore) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// nullString helper for nullable strings
func nullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}
