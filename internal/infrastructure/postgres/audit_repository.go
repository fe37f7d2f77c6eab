package postgres

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/verification-gate/internal/domain/audit"
)

const auditColumns = `seq, event_id, event_type, severity, agent_id, context_id, payload, event_hash, prev_hash, chain_hash, signature, created_at`

// AuditRepository implements audit.Repository on an append-only table.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Append inserts entry only if it directly follows the current head.
func (r *AuditRepository) Append(ctx context.Context, entry *audit.Entry) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO audit_entries (`+auditColumns+`)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
		WHERE (SELECT COALESCE(MAX(seq), 0) FROM audit_entries) = $1 - 1
	`, entry.Seq, entry.EventID, entry.EventType, entry.Severity, entry.AgentID, entry.ContextID,
		[]byte(entry.Payload), entry.EventHash, entry.PrevHash, entry.ChainHash, entry.Signature, entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return audit.ErrSequenceConflict
		}
		return err
	}
	if tag.RowsAffected() != 1 {
		return audit.ErrSequenceConflict
	}
	return nil
}

func (r *AuditRepository) Head(ctx context.Context) (*audit.Entry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	return scanEntry(row)
}

func (r *AuditRepository) List(ctx context.Context, fromSeq int64, limit int) ([]*audit.Entry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE seq >= $1 ORDER BY seq ASC`
	args := []interface{}{fromSeq}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *AuditRepository) Query(ctx context.Context, filter audit.Filter) ([]*audit.Entry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries`
	args := []interface{}{}
	idx := 1
	if filter.From != nil {
		query += addWhere(query) + " created_at >= $" + strconv.Itoa(idx)
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		query += addWhere(query) + " created_at < $" + strconv.Itoa(idx)
		args = append(args, *filter.To)
		idx++
	}
	if filter.AgentID != nil {
		query += addWhere(query) + " agent_id = $" + strconv.Itoa(idx)
		args = append(args, *filter.AgentID)
		idx++
	}
	if filter.EventType != nil {
		query += addWhere(query) + " event_type = $" + strconv.Itoa(idx)
		args = append(args, string(*filter.EventType))
		idx++
	}
	if filter.MinSeq > 0 {
		query += addWhere(query) + " seq >= $" + strconv.Itoa(idx)
		args = append(args, filter.MinSeq)
		idx++
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT $" + strconv.Itoa(idx)
		args = append(args, filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*audit.Entry, error) {
	defer rows.Close()
	var entries []*audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (*audit.Entry, error) {
	var e audit.Entry
	var payload []byte
	if err := row.Scan(&e.Seq, &e.EventID, &e.EventType, &e.Severity, &e.AgentID, &e.ContextID,
		&payload, &e.EventHash, &e.PrevHash, &e.ChainHash, &e.Signature, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Payload = payload
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}
