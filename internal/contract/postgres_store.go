package contract

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/smartjects/platform/internal/money"
)

// PostgresStore persists contract data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const contractColumns = `
	id, smartject_id, title, needer_id, provider_id, needer_addr, provider_addr,
	budget, status, blockchain_status, external_id, pending_tx_hash, escrow_withdrawn,
	needer_signed, provider_signed, needer_signed_at, provider_signed_at,
	start_date, end_date, submitted_for_review_at, completed_at, cancelled_at,
	cancel_reason, dispute_reason, version, created_at, updated_at`

func (p *PostgresStore) CreateContract(ctx context.Context, rec *Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rec.Version = 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::NUMERIC(30,6), $9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21, $22,
			$23, $24, $25, $26, $27
		)`,
		rec.ID, rec.SmartjectID, rec.Title, rec.NeederID, rec.ProviderID,
		nullString(rec.NeederAddr), nullString(rec.ProviderAddr),
		rec.Budget.String(), string(rec.Status), string(rec.BlockchainStatus),
		nullString(rec.ExternalID), nullString(rec.PendingTxHash), rec.EscrowWithdrawn,
		rec.NeederSigned, rec.ProviderSigned, nullTime(rec.NeederSignedAt), nullTime(rec.ProviderSignedAt),
		nullTime(rec.StartDate), nullTime(rec.EndDate), nullTime(rec.SubmittedForReviewAt),
		nullTime(rec.CompletedAt), nullTime(rec.CancelledAt),
		nullString(rec.CancelReason), nullString(rec.DisputeReason),
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for _, m := range rec.Milestones {
		if err := upsertMilestone(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetContract(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Milestones, err = p.listMilestones(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) UpdateContract(ctx context.Context, rec *Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE contracts SET
			status = $1, blockchain_status = $2, external_id = $3,
			pending_tx_hash = $4, escrow_withdrawn = $5,
			needer_signed = $6, provider_signed = $7,
			needer_signed_at = $8, provider_signed_at = $9,
			start_date = $10, end_date = $11, submitted_for_review_at = $12,
			completed_at = $13, cancelled_at = $14,
			cancel_reason = $15, dispute_reason = $16,
			version = version + 1, updated_at = $17
		WHERE id = $18 AND version = $19`,
		string(rec.Status), string(rec.BlockchainStatus), nullString(rec.ExternalID),
		nullString(rec.PendingTxHash), rec.EscrowWithdrawn,
		rec.NeederSigned, rec.ProviderSigned,
		nullTime(rec.NeederSignedAt), nullTime(rec.ProviderSignedAt),
		nullTime(rec.StartDate), nullTime(rec.EndDate), nullTime(rec.SubmittedForReviewAt),
		nullTime(rec.CompletedAt), nullTime(rec.CancelledAt),
		nullString(rec.CancelReason), nullString(rec.DisputeReason),
		rec.UpdatedAt, rec.ID, rec.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM contracts WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrContractNotFound
		}
		return ErrVersionConflict
	}

	for _, m := range rec.Milestones {
		if err := upsertMilestone(ctx, tx, m); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rec.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, status string, limit int) ([]*Record, error) {
	var rows *sql.Rows
	var err error

	if status != "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+contractColumns+`
			FROM contracts
			WHERE (needer_id = $1 OR provider_id = $1) AND status = $2
			ORDER BY created_at DESC
			LIMIT $3`, partyID, status, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+contractColumns+`
			FROM contracts
			WHERE needer_id = $1 OR provider_id = $1
			ORDER BY created_at DESC
			LIMIT $2`, partyID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.scanRecordsWithMilestones(ctx, rows)
}

func (p *PostgresStore) ListByBlockchainStatus(ctx context.Context, statuses []BlockchainStatus, limit int) ([]*Record, error) {
	strs := make([]string, 0, len(statuses))
	for _, st := range statuses {
		strs = append(strs, string(st))
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE blockchain_status = ANY($1)
		  AND status NOT IN ('completed', 'cancelled')
		ORDER BY updated_at
		LIMIT $2`, pq.Array(strs), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.scanRecordsWithMilestones(ctx, rows)
}

func (p *PostgresStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contract_history (id, contract_id, action, from_status, to_status, actor_id, tx_hash, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.ContractID, entry.Action,
		nullString(entry.FromStatus), nullString(entry.ToStatus),
		nullString(entry.ActorID), nullString(entry.TxHash),
		nullString(entry.Detail), entry.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListHistory(ctx context.Context, contractID string, limit int) ([]*HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, action, from_status, to_status, actor_id, tx_hash, detail, created_at
		FROM contract_history
		WHERE contract_id = $1
		ORDER BY created_at
		LIMIT $2`, contractID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var from, to, actor, txHash, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.ContractID, &e.Action, &from, &to, &actor, &txHash, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus = from.String
		e.ToStatus = to.String
		e.ActorID = actor.String
		e.TxHash = txHash.String
		e.Detail = detail.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contract_messages (id, contract_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ContractID, nullString(msg.SenderID), msg.Content, msg.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, contractID string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, sender_id, content, created_at
		FROM contract_messages
		WHERE contract_id = $1
		ORDER BY created_at
		LIMIT $2`, contractID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		var sender sql.NullString
		if err := rows.Scan(&m.ID, &m.ContractID, &sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderID = sender.String
		result = append(result, m)
	}
	return result, rows.Err()
}

// --- milestones ---

func upsertMilestone(ctx context.Context, tx *sql.Tx, m *Milestone) error {
	deliverables, err := json.Marshal(m.Deliverables)
	if err != nil {
		return fmt.Errorf("failed to marshal deliverables: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO milestones (
			id, contract_id, name, description, percentage, amount, order_index,
			status, submission_note, review_comment,
			submitted_at, reviewed_at, completed_at, deliverables,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(30,6), $7,
			$8, $9, $10, $11, $12, $13, $14::jsonb, $15, $16
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			submission_note = EXCLUDED.submission_note,
			review_comment = EXCLUDED.review_comment,
			submitted_at = EXCLUDED.submitted_at,
			reviewed_at = EXCLUDED.reviewed_at,
			completed_at = EXCLUDED.completed_at,
			deliverables = EXCLUDED.deliverables,
			updated_at = EXCLUDED.updated_at`,
		m.ID, m.ContractID, m.Name, nullString(m.Description),
		m.Percentage, m.Amount.String(), m.OrderIndex,
		string(m.Status), nullString(m.SubmissionNote), nullString(m.ReviewComment),
		nullTime(m.SubmittedAt), nullTime(m.ReviewedAt), nullTime(m.CompletedAt),
		string(deliverables), m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) listMilestones(ctx context.Context, contractID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, name, description, percentage, amount, order_index,
		       status, submission_note, review_comment,
		       submitted_at, reviewed_at, completed_at, deliverables,
		       created_at, updated_at
		FROM milestones
		WHERE contract_id = $1
		ORDER BY order_index`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Milestone
	for rows.Next() {
		m := &Milestone{}
		var (
			description    sql.NullString
			amount         string
			status         string
			submissionNote sql.NullString
			reviewComment  sql.NullString
			submittedAt    sql.NullTime
			reviewedAt     sql.NullTime
			completedAt    sql.NullTime
			deliverables   []byte
		)
		err := rows.Scan(
			&m.ID, &m.ContractID, &m.Name, &description, &m.Percentage, &amount, &m.OrderIndex,
			&status, &submissionNote, &reviewComment,
			&submittedAt, &reviewedAt, &completedAt, &deliverables,
			&m.CreatedAt, &m.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		m.Description = description.String
		m.Amount, err = money.Parse(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid stored milestone amount: %w", err)
		}
		m.Status = MilestoneStatus(status)
		m.SubmissionNote = submissionNote.String
		m.ReviewComment = reviewComment.String
		if submittedAt.Valid {
			m.SubmittedAt = &submittedAt.Time
		}
		if reviewedAt.Valid {
			m.ReviewedAt = &reviewedAt.Time
		}
		if completedAt.Valid {
			m.CompletedAt = &completedAt.Time
		}
		if len(deliverables) > 0 {
			if err := json.Unmarshal(deliverables, &m.Deliverables); err != nil {
				return nil, fmt.Errorf("invalid stored deliverables: %w", err)
			}
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// --- scan helpers ---

// recordScanner is satisfied by both *sql.Row and *sql.Rows.
type recordScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s recordScanner) (*Record, error) {
	rec := &Record{}
	var (
		neederAddr       sql.NullString
		providerAddr     sql.NullString
		budget           string
		status           string
		blockchainStatus string
		externalID       sql.NullString
		pendingTxHash    sql.NullString
		neederSignedAt   sql.NullTime
		providerSignedAt sql.NullTime
		startDate        sql.NullTime
		endDate          sql.NullTime
		submittedAt      sql.NullTime
		completedAt      sql.NullTime
		cancelledAt      sql.NullTime
		cancelReason     sql.NullString
		disputeReason    sql.NullString
	)

	err := s.Scan(
		&rec.ID, &rec.SmartjectID, &rec.Title, &rec.NeederID, &rec.ProviderID,
		&neederAddr, &providerAddr,
		&budget, &status, &blockchainStatus, &externalID, &pendingTxHash, &rec.EscrowWithdrawn,
		&rec.NeederSigned, &rec.ProviderSigned, &neederSignedAt, &providerSignedAt,
		&startDate, &endDate, &submittedAt, &completedAt, &cancelledAt,
		&cancelReason, &disputeReason, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.NeederAddr = neederAddr.String
	rec.ProviderAddr = providerAddr.String
	rec.Budget, err = money.Parse(budget)
	if err != nil {
		return nil, fmt.Errorf("invalid stored budget: %w", err)
	}
	rec.Status = Status(status)
	rec.BlockchainStatus = BlockchainStatus(blockchainStatus)
	rec.ExternalID = externalID.String
	rec.PendingTxHash = pendingTxHash.String
	if neederSignedAt.Valid {
		rec.NeederSignedAt = &neederSignedAt.Time
	}
	if providerSignedAt.Valid {
		rec.ProviderSignedAt = &providerSignedAt.Time
	}
	if startDate.Valid {
		rec.StartDate = &startDate.Time
	}
	if endDate.Valid {
		rec.EndDate = &endDate.Time
	}
	if submittedAt.Valid {
		rec.SubmittedForReviewAt = &submittedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		rec.CancelledAt = &cancelledAt.Time
	}
	rec.CancelReason = cancelReason.String
	rec.DisputeReason = disputeReason.String

	return rec, nil
}

func (p *PostgresStore) scanRecordsWithMilestones(ctx context.Context, rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range result {
		milestones, err := p.listMilestones(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		rec.Milestones = milestones
	}
	return result, nil
}

// --- nullable helpers ---

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
