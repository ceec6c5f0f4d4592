package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists records in interaction_records. The action and
// result columns are text holding the canonical JSON that was hashed;
// jsonb would re-serialize and break hash recomputation.
// UNIQUE(org_id, seq) enforces one writer per chain position.
type PostgresStore struct {
	DB auditDB
}

func NewPostgresStore(db auditDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const recordColumns = `interaction_id, org_id, uapk_id, agent_id, action, decision,
	reasons, result, seq, created_at, prev_hash, record_hash, signature`

func (s *PostgresStore) Last(ctx context.Context, orgID string) (string, int64, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT record_hash, seq FROM interaction_records
		WHERE org_id=$1 ORDER BY seq DESC LIMIT 1
	`, orgID)
	var hash string
	var seq int64
	if err := row.Scan(&hash, &seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Genesis, 0, nil
		}
		return "", 0, err
	}
	return hash, seq, nil
}

func (s *PostgresStore) Insert(ctx context.Context, r *Record) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO interaction_records
		(`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, r.InteractionID, r.OrgID, r.UAPKID, r.AgentID, string(r.Action), r.Decision,
		reasonsJSON(r), resultText(r), r.Seq, r.CreatedAt, r.PrevHash, r.RecordHash, r.Signature)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, orgID, interactionID string) (*Record, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM interaction_records
		WHERE org_id=$1 AND interaction_id=$2
	`, orgID, interactionID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (s *PostgresStore) List(ctx context.Context, orgID string, q Query) ([]*Record, error) {
	sql := `SELECT ` + recordColumns + ` FROM interaction_records WHERE org_id=$1`
	args := []any{orgID}
	if q.UAPKID != "" {
		args = append(args, q.UAPKID)
		sql += ` AND uapk_id=$` + strconv.Itoa(len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		sql += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		sql += ` AND created_at <= $` + strconv.Itoa(len(args))
	}
	sql += ` ORDER BY seq`
	if q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var action, reasons string
	var result *string
	err := row.Scan(&r.InteractionID, &r.OrgID, &r.UAPKID, &r.AgentID, &action, &r.Decision,
		&reasons, &result, &r.Seq, &r.CreatedAt, &r.PrevHash, &r.RecordHash, &r.Signature)
	if err != nil {
		return nil, err
	}
	r.Action = []byte(action)
	if err := unmarshalReasons(reasons, &r); err != nil {
		return nil, err
	}
	if result != nil {
		r.Result = []byte(*result)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func reasonsJSON(r *Record) string {
	b, _ := json.Marshal(r.Reasons)
	return string(b)
}

func resultText(r *Record) *string {
	if len(r.Result) == 0 {
		return nil
	}
	s := string(r.Result)
	return &s
}

func unmarshalReasons(raw string, r *Record) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), &r.Reasons)
}
