package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mailfold/mailfold/consts"
)

// Retention policy scopes. A policy targets either one folder by exact
// name or the move destinations of one rule, never both.
const (
	ScopeFolder = "folder"
	ScopeRule   = "rule"
)

// RetentionPolicy drives the two-stage lifecycle: messages older than
// RetentionDays move to trash (or are deleted directly with SkipTrash),
// trashed messages older than TrashRetentionDays are purged.
type RetentionPolicy struct {
	ID          string `json:"id"`
	Account     string `json:"account"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ScopeKind   string `json:"scope_kind"`
	ScopeValue  string `json:"scope_value"`

	// RecordedFolders are the move destinations last resolved for a
	// rule-scoped policy. They keep the policy effective after the rule
	// itself is deleted.
	RecordedFolders []string `json:"recorded_folders,omitempty"`

	RetentionDays      int  `json:"retention_days"`
	TrashRetentionDays int  `json:"trash_retention_days"`
	SkipTrash          bool `json:"skip_trash"`
	Active             bool `json:"active"`

	LastAppliedAt            *time.Time `json:"last_applied_at,omitempty"`
	EmailsMovedToTrash       int64      `json:"emails_moved_to_trash"`
	EmailsPermanentlyDeleted int64      `json:"emails_permanently_deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TotalLifecycleDays is the full span from arrival to permanent
// deletion. Policies covering the same message apply shortest first.
func (p *RetentionPolicy) TotalLifecycleDays() int {
	return p.RetentionDays + p.TrashRetentionDays
}

func validatePolicy(policy *RetentionPolicy) error {
	if policy.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if policy.ScopeKind != ScopeFolder && policy.ScopeKind != ScopeRule {
		return consts.ErrInvalidScope
	}
	if policy.ScopeValue == "" {
		return consts.ErrInvalidScope
	}
	if policy.RetentionDays < 0 || policy.TrashRetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	return nil
}

// CreatePolicy stores a retention policy, assigning an ID when missing.
func (db *Database) CreatePolicy(ctx context.Context, policy *RetentionPolicy) error {
	if err := validatePolicy(policy); err != nil {
		return err
	}
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	policy.Account = strings.ToLower(policy.Account)
	now := time.Now()
	policy.CreatedAt = now
	policy.UpdatedAt = now
	if policy.RecordedFolders == nil {
		policy.RecordedFolders = []string{}
	}

	err := db.TimedExec(ctx, "create_policy", `
		INSERT INTO retention_policies
			(id, account, name, description, scope_kind, scope_value, recorded_folders,
			 retention_days, trash_retention_days, skip_trash, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, policy.ID, policy.Account, policy.Name, policy.Description,
		policy.ScopeKind, policy.ScopeValue, policy.RecordedFolders,
		policy.RetentionDays, policy.TrashRetentionDays, policy.SkipTrash,
		policy.Active, policy.CreatedAt, policy.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return consts.ErrDBUniqueViolation
		}
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

// UpdatePolicy replaces the mutable fields of a policy. Counters and
// last-applied are only touched by RecordPolicyRun.
func (db *Database) UpdatePolicy(ctx context.Context, policy *RetentionPolicy) error {
	if err := validatePolicy(policy); err != nil {
		return err
	}
	policy.UpdatedAt = time.Now()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE retention_policies
		SET account = $2, name = $3, description = $4, scope_kind = $5, scope_value = $6,
		    retention_days = $7, trash_retention_days = $8, skip_trash = $9, active = $10,
		    updated_at = $11
		WHERE id = $1
	`, policy.ID, strings.ToLower(policy.Account), policy.Name, policy.Description,
		policy.ScopeKind, policy.ScopeValue,
		policy.RetentionDays, policy.TrashRetentionDays, policy.SkipTrash,
		policy.Active, policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrPolicyNotFound
	}
	return nil
}

// DeletePolicy removes a policy. Trash entries referencing it keep
// their policy id for the audit trail.
func (db *Database) DeletePolicy(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM retention_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrPolicyNotFound
	}
	return nil
}

// SetPolicyActive toggles scheduled execution for one policy.
func (db *Database) SetPolicyActive(ctx context.Context, id string, active bool) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE retention_policies SET active = $2, updated_at = now() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("failed to toggle policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrPolicyNotFound
	}
	return nil
}

const policyColumns = `
	id, account, name, description, scope_kind, scope_value, recorded_folders,
	retention_days, trash_retention_days, skip_trash, active,
	last_applied_at, emails_moved_to_trash, emails_permanently_deleted,
	created_at, updated_at`

// GetPolicy loads one policy by id.
func (db *Database) GetPolicy(ctx context.Context, id string) (*RetentionPolicy, error) {
	row := db.TimedQueryRow(ctx, "get_policy", `
		SELECT `+policyColumns+`
		FROM retention_policies
		WHERE id = $1
	`, id)
	policy, err := scanPolicy(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	return policy, nil
}

// ListPolicies returns every policy, shortest lifecycle first so callers
// can apply them in conflict-resolution order directly.
func (db *Database) ListPolicies(ctx context.Context) ([]*RetentionPolicy, error) {
	return db.listPolicies(ctx, `
		SELECT `+policyColumns+`
		FROM retention_policies
		ORDER BY retention_days + trash_retention_days, id
	`)
}

// ListActivePolicies returns policies eligible for scheduled execution.
func (db *Database) ListActivePolicies(ctx context.Context) ([]*RetentionPolicy, error) {
	return db.listPolicies(ctx, `
		SELECT `+policyColumns+`
		FROM retention_policies
		WHERE active
		ORDER BY retention_days + trash_retention_days, id
	`)
}

// ListPoliciesForAccount returns account-scoped plus global policies.
func (db *Database) ListPoliciesForAccount(ctx context.Context, account string) ([]*RetentionPolicy, error) {
	return db.listPolicies(ctx, `
		SELECT `+policyColumns+`
		FROM retention_policies
		WHERE account = '' OR account = $1
		ORDER BY retention_days + trash_retention_days, id
	`, strings.ToLower(account))
}

func (db *Database) listPolicies(ctx context.Context, sql string, args ...interface{}) ([]*RetentionPolicy, error) {
	rows, err := db.TimedQuery(ctx, "list_policies", sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []*RetentionPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

func scanPolicy(row pgx.Row) (*RetentionPolicy, error) {
	var policy RetentionPolicy
	err := row.Scan(&policy.ID, &policy.Account, &policy.Name, &policy.Description,
		&policy.ScopeKind, &policy.ScopeValue, &policy.RecordedFolders,
		&policy.RetentionDays, &policy.TrashRetentionDays, &policy.SkipTrash, &policy.Active,
		&policy.LastAppliedAt, &policy.EmailsMovedToTrash, &policy.EmailsPermanentlyDeleted,
		&policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// RecordPolicyRun bumps the cumulative counters after a live execution.
// Dry runs never call this.
func (db *Database) RecordPolicyRun(ctx context.Context, id string, movedToTrash, permanentlyDeleted int64, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE retention_policies
		SET emails_moved_to_trash = emails_moved_to_trash + $2,
		    emails_permanently_deleted = emails_permanently_deleted + $3,
		    last_applied_at = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, movedToTrash, permanentlyDeleted, at)
	if err != nil {
		return fmt.Errorf("failed to record policy run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrPolicyNotFound
	}
	return nil
}

// RecordPolicyFolders persists the folders a rule-scoped policy resolved
// at execution time, so the policy survives deletion of its rule.
func (db *Database) RecordPolicyFolders(ctx context.Context, id string, folders []string) error {
	if folders == nil {
		folders = []string{}
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE retention_policies
		SET recorded_folders = $2, updated_at = now()
		WHERE id = $1
	`, id, folders)
	if err != nil {
		return fmt.Errorf("failed to record policy folders: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrPolicyNotFound
	}
	return nil
}
