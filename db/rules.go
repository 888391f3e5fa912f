package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mailfold/mailfold/consts"
	"github.com/mailfold/mailfold/server/ruleengine"
)

// CreateRule stores a rule with its conditions and actions. A missing ID
// is assigned here.
func (db *Database) CreateRule(ctx context.Context, rule *ruleengine.Rule) error {
	if err := ruleengine.ValidateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.Mode == "" {
		rule.Mode = ruleengine.ModeAnd
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rules (id, account, name, description, priority, active, condition_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rule.ID, rule.Account, rule.Name, rule.Description, rule.Priority, rule.Active, string(rule.Mode), rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return consts.ErrDBUniqueViolation
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := insertRuleChildren(ctx, tx, rule); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateRule replaces a rule and its conditions and actions.
func (db *Database) UpdateRule(ctx context.Context, rule *ruleengine.Rule) error {
	if err := ruleengine.ValidateRule(rule); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now()

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE rules
		SET account = $2, name = $3, description = $4, priority = $5, active = $6, condition_mode = $7, updated_at = $8
		WHERE id = $1
	`, rule.ID, rule.Account, rule.Name, rule.Description, rule.Priority, rule.Active, string(rule.Mode), rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrRuleNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rule_conditions WHERE rule_id = $1`, rule.ID); err != nil {
		return fmt.Errorf("failed to clear rule conditions: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM rule_actions WHERE rule_id = $1`, rule.ID); err != nil {
		return fmt.Errorf("failed to clear rule actions: %w", err)
	}
	if err := insertRuleChildren(ctx, tx, rule); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertRuleChildren(ctx context.Context, tx pgx.Tx, rule *ruleengine.Rule) error {
	for i, cond := range rule.Conditions {
		_, err := tx.Exec(ctx, `
			INSERT INTO rule_conditions (rule_id, position, kind, value, case_sensitive)
			VALUES ($1, $2, $3, $4, $5)
		`, rule.ID, i, string(cond.Kind), cond.Value, cond.CaseSensitive)
		if err != nil {
			return fmt.Errorf("failed to insert rule condition: %w", err)
		}
	}
	for i, action := range rule.Actions {
		_, err := tx.Exec(ctx, `
			INSERT INTO rule_actions (rule_id, position, kind, value)
			VALUES ($1, $2, $3, $4)
		`, rule.ID, i, string(action.Kind), action.Value)
		if err != nil {
			return fmt.Errorf("failed to insert rule action: %w", err)
		}
	}
	return nil
}

// DeleteRule removes a rule; conditions and actions cascade.
func (db *Database) DeleteRule(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrRuleNotFound
	}
	return nil
}

// SetRuleActive toggles a rule without touching its definition.
func (db *Database) SetRuleActive(ctx context.Context, id string, active bool) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE rules SET active = $2, updated_at = now() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("failed to toggle rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrRuleNotFound
	}
	return nil
}

// GetRule loads one rule with its conditions and actions.
func (db *Database) GetRule(ctx context.Context, id string) (*ruleengine.Rule, error) {
	row := db.TimedQueryRow(ctx, "get_rule", `
		SELECT id, account, name, description, priority, active, condition_mode, created_at, updated_at
		FROM rules
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	if err := db.loadRuleChildren(ctx, []*ruleengine.Rule{rule}); err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules returns every stored rule in evaluation order.
func (db *Database) ListRules(ctx context.Context) ([]*ruleengine.Rule, error) {
	return db.listRules(ctx, `
		SELECT id, account, name, description, priority, active, condition_mode, created_at, updated_at
		FROM rules
		ORDER BY priority, created_at, id
	`)
}

// ListRulesForAccount returns active global rules plus rules scoped to
// the account, in evaluation order.
func (db *Database) ListRulesForAccount(ctx context.Context, account string) ([]*ruleengine.Rule, error) {
	return db.listRules(ctx, `
		SELECT id, account, name, description, priority, active, condition_mode, created_at, updated_at
		FROM rules
		WHERE active AND (account = '' OR LOWER(account) = LOWER($1))
		ORDER BY priority, created_at, id
	`, account)
}

func (db *Database) listRules(ctx context.Context, sql string, args ...interface{}) ([]*ruleengine.Rule, error) {
	rows, err := db.TimedQuery(ctx, "list_rules", sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*ruleengine.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.loadRuleChildren(ctx, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func scanRule(row pgx.Row) (*ruleengine.Rule, error) {
	var rule ruleengine.Rule
	var mode string
	err := row.Scan(&rule.ID, &rule.Account, &rule.Name, &rule.Description,
		&rule.Priority, &rule.Active, &mode, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := ruleengine.ParseConditionMode(mode)
	if err != nil {
		return nil, err
	}
	rule.Mode = parsed
	return &rule, nil
}

// loadRuleChildren attaches conditions and actions to the given rules
// with one query per table.
func (db *Database) loadRuleChildren(ctx context.Context, rules []*ruleengine.Rule) error {
	if len(rules) == 0 {
		return nil
	}
	byID := make(map[string]*ruleengine.Rule, len(rules))
	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		byID[rule.ID] = rule
		ids = append(ids, rule.ID)
	}

	condRows, err := db.TimedQuery(ctx, "load_rule_conditions", `
		SELECT rule_id, kind, value, case_sensitive
		FROM rule_conditions
		WHERE rule_id = ANY($1::uuid[])
		ORDER BY rule_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to query rule conditions: %w", err)
	}
	defer condRows.Close()
	for condRows.Next() {
		var ruleID, kind, value string
		var caseSensitive bool
		if err := condRows.Scan(&ruleID, &kind, &value, &caseSensitive); err != nil {
			return err
		}
		parsed, err := ruleengine.ParseConditionKind(kind)
		if err != nil {
			return fmt.Errorf("rule %s: %w", ruleID, err)
		}
		if rule := byID[ruleID]; rule != nil {
			rule.Conditions = append(rule.Conditions, ruleengine.Condition{
				Kind:          parsed,
				Value:         value,
				CaseSensitive: caseSensitive,
			})
		}
	}
	if err := condRows.Err(); err != nil {
		return err
	}

	actionRows, err := db.TimedQuery(ctx, "load_rule_actions", `
		SELECT rule_id, kind, value
		FROM rule_actions
		WHERE rule_id = ANY($1::uuid[])
		ORDER BY rule_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to query rule actions: %w", err)
	}
	defer actionRows.Close()
	for actionRows.Next() {
		var ruleID, kind, value string
		if err := actionRows.Scan(&ruleID, &kind, &value); err != nil {
			return err
		}
		parsed, err := ruleengine.ParseActionKind(kind)
		if err != nil {
			return fmt.Errorf("rule %s: %w", ruleID, err)
		}
		if rule := byID[ruleID]; rule != nil {
			rule.Actions = append(rule.Actions, ruleengine.Action{Kind: parsed, Value: value})
		}
	}
	return actionRows.Err()
}
