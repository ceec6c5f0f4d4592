package approval

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type approvalDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists approvals in the approvals table. Transitions
// use conditional single-row updates so redemption and decision races
// resolve to exactly one winner.
type PostgresStore struct {
	DB approvalDB
}

func NewPostgresStore(db approvalDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const approvalColumns = `approval_id, org_id, interaction_id, uapk_id, agent_id,
	action, counterparty, context, reason_codes, status, created_at, expires_at,
	decided_at, decided_by, decision_notes,
	action_hash, override_token_hash, override_token_expires_at,
	consumed_at, consumed_interaction_id`

func (s *PostgresStore) Insert(ctx context.Context, a *Approval) error {
	actionJSON, err := json.Marshal(a.Action)
	if err != nil {
		return err
	}
	var cpJSON []byte
	if a.Counterparty != nil {
		if cpJSON, err = json.Marshal(a.Counterparty); err != nil {
			return err
		}
	}
	reasonsJSON, err := json.Marshal(a.ReasonCodes)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO approvals (approval_id, org_id, interaction_id, uapk_id, agent_id,
			action, counterparty, context, reason_codes, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, a.ID, a.OrgID, a.InteractionID, a.UAPKID, a.AgentID,
		actionJSON, cpJSON, []byte(a.Context), reasonsJSON, a.Status, a.CreatedAt, a.ExpiresAt)
	return err
}

func scanApproval(row pgx.Row) (*Approval, error) {
	var a Approval
	var actionJSON, cpJSON, ctxJSON, reasonsJSON []byte
	var decidedBy, notes, actionHash, tokenHash, consumedBy *string
	err := row.Scan(&a.ID, &a.OrgID, &a.InteractionID, &a.UAPKID, &a.AgentID,
		&actionJSON, &cpJSON, &ctxJSON, &reasonsJSON, &a.Status, &a.CreatedAt, &a.ExpiresAt,
		&a.DecidedAt, &decidedBy, &notes,
		&actionHash, &tokenHash, &a.OverrideTokenExpiresAt,
		&a.ConsumedAt, &consumedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(actionJSON, &a.Action); err != nil {
		return nil, err
	}
	if len(cpJSON) > 0 {
		if err := json.Unmarshal(cpJSON, &a.Counterparty); err != nil {
			return nil, err
		}
	}
	a.Context = ctxJSON
	if len(reasonsJSON) > 0 {
		if err := json.Unmarshal(reasonsJSON, &a.ReasonCodes); err != nil {
			return nil, err
		}
	}
	if decidedBy != nil {
		a.DecidedBy = *decidedBy
	}
	if notes != nil {
		a.DecisionNotes = *notes
	}
	if actionHash != nil {
		a.ActionHash = *actionHash
	}
	if tokenHash != nil {
		a.OverrideTokenHash = *tokenHash
	}
	if consumedBy != nil {
		a.ConsumedInteractionID = *consumedBy
	}
	return &a, nil
}

func (s *PostgresStore) Get(ctx context.Context, orgID, id string) (*Approval, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE org_id=$1 AND approval_id=$2`, orgID, id)
	return scanApproval(row)
}

func (s *PostgresStore) Decide(ctx context.Context, orgID, id string, res Resolution) error {
	if !CanTransition(Pending, res.Status) {
		return ErrInvalidTransition
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE approvals
		SET status=$3, decided_at=$4, decided_by=$5, decision_notes=$6,
			action_hash=NULLIF($7,''), override_token_hash=NULLIF($8,''), override_token_expires_at=$9
		WHERE org_id=$1 AND approval_id=$2 AND status='PENDING'
	`, orgID, id, res.Status, res.DecidedAt, res.DecidedBy, res.Notes,
		res.ActionHash, res.TokenHash, res.TokenExpires)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already decided; distinguish for the caller.
		if _, err := s.Get(ctx, orgID, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotPending
	}
	return nil
}

func (s *PostgresStore) Consume(ctx context.Context, orgID, id, interactionID string, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE approvals
		SET consumed_at=$3, consumed_interaction_id=$4
		WHERE org_id=$1 AND approval_id=$2 AND status='APPROVED' AND consumed_at IS NULL
	`, orgID, id, at, interactionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		a, err := s.Get(ctx, orgID, id)
		if err != nil {
			return err
		}
		if a.ConsumedAt != nil {
			return ErrAlreadyConsumed
		}
		return ErrNotPending
	}
	return nil
}

func (s *PostgresStore) ExpirePending(ctx context.Context, orgID string, now time.Time) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE approvals SET status='EXPIRED', decided_at=$2
		WHERE org_id=$1 AND status='PENDING' AND expires_at < $2
	`, orgID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListPending(ctx context.Context, orgID string) ([]*Approval, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE org_id=$1 AND status='PENDING'
		ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context, orgID string) (map[string]int64, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT status, COUNT(*) FROM approvals WHERE org_id=$1 GROUP BY status
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
