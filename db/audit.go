package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mailfold/mailfold/consts"
)

// Audit stages. Every state-changing pass over a mailbox writes one
// summary record per batch or per policy scope; failed per-message
// transitions add individual success=false records.
const (
	StageMoveToTrash     = "move_to_trash"
	StagePermanentDelete = "permanent_delete"
	StageClassify        = "classify"
	StageRestore         = "restore"
)

var auditIDPrefixes = map[string]string{
	StageMoveToTrash:     "trash",
	StagePermanentDelete: "ret",
	StageClassify:        "cls",
	StageRestore:         "res",
}

// AuditRecord is an immutable trail entry. Detail carries
// stage-specific extras (category counts, first error strings).
type AuditRecord struct {
	ID           string                 `json:"id"`
	AuditID      string                 `json:"audit_id"`
	Account      string                 `json:"account"`
	Stage        string                 `json:"stage"`
	PolicyID     string                 `json:"policy_id,omitempty"`
	RuleID       string                 `json:"rule_id,omitempty"`
	Folder       string                 `json:"folder,omitempty"`
	MessageCount int                    `json:"message_count"`
	Success      bool                   `json:"success"`
	DryRun       bool                   `json:"dry_run"`
	ErrorText    string                 `json:"error_text,omitempty"`
	Detail       map[string]interface{} `json:"detail,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// FormatAuditID builds the human-readable audit id: a stage prefix, the
// unix timestamp, and the first 8 characters of the scope identifier.
func FormatAuditID(stage, scopeID string, at time.Time) string {
	prefix, ok := auditIDPrefixes[stage]
	if !ok {
		prefix = "aud"
	}
	short := scopeID
	if len(short) > 8 {
		short = short[:8]
	}
	if short == "" {
		short = "global"
	}
	return fmt.Sprintf("%s_%d_%s", prefix, at.Unix(), short)
}

// InsertAuditRecord persists a record, assigning ids and timestamp when
// the caller left them empty.
func (db *Database) InsertAuditRecord(ctx context.Context, record *AuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.AuditID == "" {
		scope := record.PolicyID
		if scope == "" {
			scope = record.RuleID
		}
		if scope == "" {
			scope = record.Account
		}
		record.AuditID = FormatAuditID(record.Stage, scope, record.CreatedAt)
	}
	record.Account = strings.ToLower(record.Account)

	detail := record.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}

	var policyID, ruleID interface{}
	if record.PolicyID != "" {
		policyID = record.PolicyID
	}
	if record.RuleID != "" {
		ruleID = record.RuleID
	}

	err = db.TimedExec(ctx, "insert_audit_record", `
		INSERT INTO audit_records
			(id, audit_id, account, stage, policy_id, rule_id, folder,
			 message_count, success, dry_run, error_text, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, record.ID, record.AuditID, record.Account, record.Stage, policyID, ruleID,
		record.Folder, record.MessageCount, record.Success, record.DryRun,
		record.ErrorText, detailJSON, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// AuditFilter narrows audit queries. Zero values mean "any".
type AuditFilter struct {
	Account string
	Stage   string
	Since   time.Time
	Limit   int
}

// ListAuditRecords returns records newest first.
func (db *Database) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	sql := `
		SELECT id, audit_id, account, stage,
		       COALESCE(policy_id::text, ''), COALESCE(rule_id::text, ''), folder,
		       message_count, success, dry_run, error_text, detail, created_at
		FROM audit_records
		WHERE 1=1`
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Account != "" {
		sql += " AND account = " + next(strings.ToLower(filter.Account))
	}
	if filter.Stage != "" {
		sql += " AND stage = " + next(filter.Stage)
	}
	if !filter.Since.IsZero() {
		sql += " AND created_at >= " + next(filter.Since)
	}
	sql += " ORDER BY created_at DESC, audit_id"
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	sql += " LIMIT " + next(limit)

	rows, err := db.TimedQuery(ctx, "list_audit_records", sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		var record AuditRecord
		var detailJSON []byte
		err := rows.Scan(&record.ID, &record.AuditID, &record.Account, &record.Stage,
			&record.PolicyID, &record.RuleID, &record.Folder,
			&record.MessageCount, &record.Success, &record.DryRun,
			&record.ErrorText, &detailJSON, &record.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &record.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail: %w", err)
			}
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

// GetAuditRecordByAuditID resolves the human-readable id. Audit ids are
// unique in practice but not constrained; the newest record wins.
func (db *Database) GetAuditRecordByAuditID(ctx context.Context, auditID string) (*AuditRecord, error) {
	row := db.TimedQueryRow(ctx, "get_audit_record", `
		SELECT id, audit_id, account, stage,
		       COALESCE(policy_id::text, ''), COALESCE(rule_id::text, ''), folder,
		       message_count, success, dry_run, error_text, detail, created_at
		FROM audit_records
		WHERE audit_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, auditID)

	var record AuditRecord
	var detailJSON []byte
	err := row.Scan(&record.ID, &record.AuditID, &record.Account, &record.Stage,
		&record.PolicyID, &record.RuleID, &record.Folder,
		&record.MessageCount, &record.Success, &record.DryRun,
		&record.ErrorText, &detailJSON, &record.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrDBNotFound
		}
		return nil, fmt.Errorf("failed to load audit record: %w", err)
	}
	if len(detailJSON) > 0 {
		if err := json.Unmarshal(detailJSON, &record.Detail); err != nil {
			return nil, fmt.Errorf("failed to decode audit detail: %w", err)
		}
	}
	return &record, nil
}

// PruneAuditRecords removes records older than the cutoff. Runs daily
// from the scheduler with the configured audit retention window.
func (db *Database) PruneAuditRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM audit_records WHERE created_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit records: %w", err)
	}
	return tag.RowsAffected(), nil
}
