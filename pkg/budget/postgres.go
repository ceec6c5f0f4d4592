package budget

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type counterDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps counters in the action_counters table, one row per
// (org_id, action_type, bucket). The check-then-increment is a single
// conditional upsert, so two concurrent requests can never both pass a
// limit and both increment beyond it.
type PostgresStore struct {
	DB  counterDB
	now func() time.Time
}

func NewPostgresStore(db counterDB) *PostgresStore {
	return &PostgresStore{DB: db, now: time.Now}
}

// incrementBucket atomically increments one bucket unless that would
// exceed limit. limit<=0 means unlimited. Returns the count after the
// operation and whether the increment was accepted.
func (s *PostgresStore) incrementBucket(ctx context.Context, orgID, actionType, bucket string, limit int64) (int64, bool, error) {
	if limit <= 0 {
		row := s.DB.QueryRow(ctx, `
			INSERT INTO action_counters (org_id, action_type, bucket, count)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (org_id, action_type, bucket)
			DO UPDATE SET count = action_counters.count + 1
			RETURNING count
		`, orgID, actionType, bucket)
		var count int64
		if err := row.Scan(&count); err != nil {
			return 0, false, err
		}
		return count, true, nil
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO action_counters (org_id, action_type, bucket, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (org_id, action_type, bucket)
		DO UPDATE SET count = action_counters.count + 1
		WHERE action_counters.count < $4
		RETURNING count
	`, orgID, actionType, bucket, limit)
	var count int64
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conditional update matched no row: the bucket is at its limit.
			current := limit
			cur := s.DB.QueryRow(ctx, `
				SELECT count FROM action_counters
				WHERE org_id=$1 AND action_type=$2 AND bucket=$3
			`, orgID, actionType, bucket)
			_ = cur.Scan(&current)
			return current, false, nil
		}
		return 0, false, err
	}
	return count, true, nil
}

func (s *PostgresStore) CheckAndIncrement(ctx context.Context, orgID, actionType string, limits Limits) (Result, error) {
	day, hour := buckets(s.now())

	// Tightest window first. A later-bucket denial leaves earlier buckets
	// incremented for a denied request; limits themselves are never
	// exceeded.
	hourCount, ok, err := s.incrementBucket(ctx, orgID, actionType, hour, limits.Hourly)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		dayCount := hourCount
		cur := s.DB.QueryRow(ctx, `
			SELECT count FROM action_counters
			WHERE org_id=$1 AND action_type=$2 AND bucket=$3
		`, orgID, actionType, day)
		_ = cur.Scan(&dayCount)
		return Result{OK: false, Count: dayCount}, nil
	}
	dayCount, ok, err := s.incrementBucket(ctx, orgID, actionType, day, limits.Daily)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{OK: false, Count: dayCount}, nil
	}
	if limits.Total > 0 {
		if _, ok, err := s.incrementBucket(ctx, orgID, actionType, totalBucket, limits.Total); err != nil {
			return Result{}, err
		} else if !ok {
			return Result{OK: false, Count: dayCount}, nil
		}
	}
	return Result{OK: true, Count: dayCount}, nil
}
