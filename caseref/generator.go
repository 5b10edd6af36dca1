package caseref

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Generator issues globally unique, human-readable case references of the
// form C-<year>-<seq>, where the sequence restarts at 1 each calendar year.
type Generator struct {
	pool *pgxpool.Pool
}

func NewGenerator(pool *pgxpool.Pool) *Generator {
	return &Generator{pool: pool}
}

// Next returns the next reference for the given year. The counter row is
// created lazily on first use; the increment-and-read is a single upsert so
// two concurrent callers can never observe the same sequence number, even
// across process instances sharing the store.
func (g *Generator) Next(ctx context.Context, year int) (string, error) {
	const query = `
		INSERT INTO case_counters (year, seq)
		VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET seq = case_counters.seq + 1
		RETURNING seq
	`

	var seq int
	if err := g.pool.QueryRow(ctx, query, year).Scan(&seq); err != nil {
		return "", fmt.Errorf("caseref: increment counter for %d: %w", year, err)
	}

	return Format(year, seq), nil
}

// Format renders a reference string from its parts.
func Format(year, seq int) string {
	return fmt.Sprintf("C-%d-%04d", year, seq)
}
