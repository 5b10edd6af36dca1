package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each must yield zero rows on a consistent
// database; any row is a violation with the offending data as evidence.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_case_ref",
			SQL: `SELECT case_ref, COUNT(*) FROM cases
                  GROUP BY case_ref HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_counter_covers_issued_refs",
			SQL: `SELECT c.case_ref FROM cases c
                  LEFT JOIN case_counters k
                    ON k.year = split_part(c.case_ref, '-', 2)::int
                  WHERE k.seq IS NULL
                     OR split_part(c.case_ref, '-', 3)::int > k.seq`,
		},
		{
			Name: "O3_invitation_only_while_scheduling",
			SQL: `SELECT id, status FROM cases
                  WHERE invitation IS NOT NULL
                    AND status NOT IN ('approved_for_scheduling', 'ongoing')`,
		},
		{
			Name: "O4_resolution_iff_closed",
			SQL: `SELECT id, status, resolution FROM cases
                  WHERE (status = 'closed') <> (resolution IS NOT NULL)`,
		},
		{
			Name: "O5_sentiment_sets_disjoint_and_counted",
			SQL: `SELECT case_id FROM case_engagement
                  WHERE liked_by && disliked_by
                     OR likes <> cardinality(liked_by)
                     OR dislikes <> cardinality(disliked_by)
                     OR views <> cardinality(viewed_by)`,
		},
		{
			Name: "O6_history_tracks_status",
			SQL: `SELECT c.id, c.status, h.status AS last_history FROM cases c
                  JOIN LATERAL (
                      SELECT status FROM case_status_history
                      WHERE case_id = c.id ORDER BY id DESC LIMIT 1
                  ) h ON true
                  WHERE h.status <> c.status`,
		},
		{
			Name: "O7_history_never_empty",
			SQL: `SELECT c.id FROM cases c
                  WHERE NOT EXISTS (
                      SELECT 1 FROM case_status_history WHERE case_id = c.id
                  )`,
		},
		{
			Name: "O8_outbox_not_wedged",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and a sample
// row) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
