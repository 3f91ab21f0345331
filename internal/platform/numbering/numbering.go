// Package numbering issues human-readable document numbers of the form
// PREFIX-YYYYMM-NNNNN. Counters are kept per prefix and month, so numbers
// restart at 00001 each month and never repeat within one.
package numbering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing-engine/internal/platform/db"
)

const (
	PrefixInvoice = "INV"
	PrefixReceipt = "RCP"
	PrefixRefund  = "RFD"
	PrefixClaim   = "NHIS"
)

// Sequence hands out the next counter value for a prefix and period.
type Sequence interface {
	Next(ctx context.Context, prefix, period string) (int64, error)
}

// Period formats t as the YYYYMM component of a number.
func Period(t time.Time) string { return t.Format("200601") }

// Format builds a document number from its parts.
func Format(prefix, period string, n int64) string {
	return fmt.Sprintf("%s-%s-%05d", prefix, period, n)
}

// Generator combines a Sequence with the period derived from a timestamp.
type Generator struct {
	seq Sequence
}

func NewGenerator(seq Sequence) *Generator { return &Generator{seq: seq} }

func (g *Generator) Next(ctx context.Context, prefix string, at time.Time) (string, error) {
	period := Period(at)
	n, err := g.seq.Next(ctx, prefix, period)
	if err != nil {
		return "", fmt.Errorf("next %s number: %w", prefix, err)
	}
	return Format(prefix, period, n), nil
}

// MemorySequence is a process-local Sequence.
type MemorySequence struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemorySequence() *MemorySequence {
	return &MemorySequence{counters: make(map[string]int64)}
}

func (s *MemorySequence) Next(_ context.Context, prefix, period string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := prefix + "-" + period
	s.counters[key]++
	return s.counters[key], nil
}

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGSequence keeps counters in the document_sequence table. The upsert is a
// single statement so concurrent callers never receive the same value; inside
// a transaction the row lock is held until commit.
type PGSequence struct {
	pool *pgxpool.Pool
}

func NewPGSequence(pool *pgxpool.Pool) *PGSequence { return &PGSequence{pool: pool} }

func (s *PGSequence) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGSequence) Next(ctx context.Context, prefix, period string) (int64, error) {
	var n int64
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO document_sequence (prefix, period, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, period)
		DO UPDATE SET last_value = document_sequence.last_value + 1
		RETURNING last_value`, prefix, period).Scan(&n)
	return n, err
}
