// Package classifier runs classification batches: it fetches unseen
// messages from an account's inbox, evaluates them against the rule
// engine, and applies the matched actions through the mailbox driver.
//
// The classifier is mode-agnostic. What happens to unmatched messages is
// injected per call as an UnmatchedPolicy; the account state machine maps
// its mode onto that policy (startup moves them to the pending folder,
// maintenance leaves them in place).
package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailfold/mailfold/cache"
	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/consts"
	"github.com/mailfold/mailfold/db"
	"github.com/mailfold/mailfold/logger"
	"github.com/mailfold/mailfold/mailbox"
	"github.com/mailfold/mailfold/pkg/metrics"
	"github.com/mailfold/mailfold/server/ruleengine"
)

// UnmatchedPolicy decides what happens to messages no rule matched.
type UnmatchedPolicy int

const (
	// LeaveInPlace keeps unmatched messages where they are. Maintenance
	// runs use this so mail the rules don't know is left for the user.
	LeaveInPlace UnmatchedPolicy = iota

	// MoveToPending files unmatched messages into the account's pending
	// folder for manual triage. Startup runs use this to drain a backlog.
	MoveToPending
)

func (p UnmatchedPolicy) String() string {
	if p == MoveToPending {
		return "move_to_pending"
	}
	return "leave_in_place"
}

// CategoryUnmatched is the category reported for messages no rule matched.
const CategoryUnmatched = "unmatched"

// defaultBatchLimit applies when a caller passes a non-positive limit.
const defaultBatchLimit = 100

// maxRecordedErrors caps the error strings carried in a BatchResult and
// its audit record.
const maxRecordedErrors = 10

// BatchResult reports one classification batch.
type BatchResult struct {
	// Processed counts messages evaluated in this batch.
	Processed int `json:"processed"`
	// Pending is the unseen count remaining in the source folder after
	// the batch, used by startup mode to decide whether to re-trigger.
	Pending int `json:"pending"`
	// Categories counts outcomes: destination folders for moved
	// messages, "unmatched" for messages no rule matched.
	Categories map[string]int `json:"categories"`
	// Errors holds the first per-message failures, capped.
	Errors []string `json:"errors,omitempty"`
}

// RuleSource loads the rules to evaluate for an account,
// in evaluation order.
type RuleSource interface {
	ListRulesForAccount(ctx context.Context, account string) ([]*ruleengine.Rule, error)
}

// AuditSink records batch outcomes.
type AuditSink interface {
	InsertAuditRecord(ctx context.Context, record *db.AuditRecord) error
}

// ListSink records add_to_list actions and training harvests. The list
// store satisfies it.
type ListSink interface {
	Add(ctx context.Context, account, listName, address string) error
}

// Classifier coordinates rule evaluation and action application for all
// registered accounts. Callers serialize batches per account; the state
// machine is the only production caller.
type Classifier struct {
	registry  *mailbox.Registry
	engine    *ruleengine.Engine
	lists     ListSink
	rules     RuleSource
	audits    AuditSink
	state     *cache.Cache
	forwarder mailbox.Forwarder // nil disables forward actions
}

func New(registry *mailbox.Registry, engine *ruleengine.Engine, lists ListSink, rules RuleSource, audits AuditSink, state *cache.Cache, forwarder mailbox.Forwarder) *Classifier {
	return &Classifier{
		registry:  registry,
		engine:    engine,
		lists:     lists,
		rules:     rules,
		audits:    audits,
		state:     state,
		forwarder: forwarder,
	}
}

// RunBatch classifies up to limit unseen messages from the account's
// inbox. Per-message failures are absorbed and reported in the result;
// only account-level failures (unknown account, fetch error) abort.
func (c *Classifier) RunBatch(ctx context.Context, account string, limit int, unmatched UnmatchedPolicy) (*BatchResult, error) {
	acct, ok := c.registry.Get(account)
	if !ok {
		return nil, fmt.Errorf("classifier: %w: %s", consts.ErrAccountNotFound, account)
	}
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	start := time.Now()
	result, err := c.runBatch(ctx, acct, limit, unmatched)
	metrics.ClassificationBatchDuration.WithLabelValues(acct.Email).Observe(time.Since(start).Seconds())
	return result, err
}

func (c *Classifier) runBatch(ctx context.Context, acct *mailbox.Account, limit int, unmatched UnmatchedPolicy) (*BatchResult, error) {
	inbox := acct.Config.Folders.Inbox
	driver := acct.Driver

	rules, err := c.rules.ListRulesForAccount(ctx, acct.Email)
	if err != nil {
		return nil, fmt.Errorf("classifier: failed to load rules: %w", err)
	}
	rules = ruleengine.SortRules(rules)

	status, err := driver.Status(ctx, inbox)
	if err != nil {
		return nil, fmt.Errorf("classifier: failed to get folder status: %w", err)
	}

	// The UID floor skips messages already evaluated and left in place,
	// so a folder full of unmatched mail cannot starve newer messages.
	floor, err := c.state.LastUID(acct.Email, inbox, status.UIDValidity)
	if err != nil {
		return nil, fmt.Errorf("classifier: failed to read uid state: %w", err)
	}

	messages, err := driver.FetchUnseenAbove(ctx, inbox, imap.UID(floor), limit)
	if err != nil {
		return nil, fmt.Errorf("classifier: failed to fetch unseen messages: %w", err)
	}

	result := &BatchResult{Categories: make(map[string]int)}

	// Stop advancing the floor past the first failed message so it is
	// retried next batch; later successes still run, just re-fetched.
	advance := true
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			// Interrupted at a message boundary; everything already
			// evaluated stays counted.
			return result, err
		}

		result.Processed++
		category, err := c.classify(ctx, acct, rules, msg, unmatched)
		if err != nil {
			c.recordError(result, msg, err)
			advance = false
			continue
		}
		result.Categories[category]++
		metrics.MessagesClassified.WithLabelValues(acct.Email, category).Inc()

		if advance {
			if err := c.state.Advance(acct.Email, inbox, status.UIDValidity, uint32(msg.UID)); err != nil {
				logger.Warn("Classifier: failed to advance uid state", "account", acct.Email, "folder", inbox, "error", err)
			}
		}
	}

	if after, err := driver.Status(ctx, inbox); err == nil {
		result.Pending = int(after.NumUnseen)
	} else {
		logger.Warn("Classifier: failed to refresh folder status", "account", acct.Email, "error", err)
	}

	c.recordAudit(ctx, acct.Email, inbox, result)

	logger.InfoContext(ctx, "Classifier: batch complete",
		"account", acct.Email,
		"processed", result.Processed,
		"pending", result.Pending,
		"errors", len(result.Errors),
		"unmatched_policy", unmatched.String())
	return result, nil
}

// classify evaluates one message and applies the outcome. It returns the
// resulting category: the first move destination, "unmatched", or the
// matched rule's name when no action moved the message.
func (c *Classifier) classify(ctx context.Context, acct *mailbox.Account, rules []*ruleengine.Rule, msg *mailbox.Message, unmatched UnmatchedPolicy) (string, error) {
	rule := c.engine.Match(rules, &ruleengine.Message{
		Account: acct.Email,
		Sender:  msg.Sender,
		Subject: msg.Subject,
		Content: msg.Content,
	})

	if rule == nil {
		if unmatched == MoveToPending {
			pending := acct.Config.Folders.Pending
			if _, err := acct.Driver.Move(ctx, msg.Folder, msg.UID, pending); err != nil {
				return "", fmt.Errorf("move to %s: %w", pending, err)
			}
		}
		return CategoryUnmatched, nil
	}

	category, err := c.applyActions(ctx, acct, rule, msg)
	if err != nil {
		return "", err
	}
	if category == "" {
		category = strings.ToLower(rule.Name)
	}
	return category, nil
}

// applyActions executes a matched rule's actions in declaration order.
// Moves change where the message is addressable: subsequent actions
// target the new folder and UID. A move whose new UID the server did not
// report ends UID-addressed actions for the message.
func (c *Classifier) applyActions(ctx context.Context, acct *mailbox.Account, rule *ruleengine.Rule, msg *mailbox.Message) (string, error) {
	var category string
	folder := msg.Folder
	uid := msg.UID
	addressable := true

	for _, action := range rule.Actions {
		switch action.Kind {
		case ruleengine.ActionMoveToFolder:
			if !addressable {
				logger.Warn("Classifier: skipping move, message no longer addressable",
					"account", acct.Email, "rule", rule.Name, "dest", action.Value)
				continue
			}
			newUID, err := acct.Driver.Move(ctx, folder, uid, action.Value)
			if err != nil {
				return category, fmt.Errorf("rule %q: move to %s: %w", rule.Name, action.Value, err)
			}
			if category == "" {
				category = action.Value
			}
			folder = action.Value
			uid = newUID
			addressable = newUID != 0

		case ruleengine.ActionAddToList:
			if err := c.lists.Add(ctx, acct.Email, action.Value, msg.Sender); err != nil {
				return category, fmt.Errorf("rule %q: add to list %s: %w", rule.Name, action.Value, err)
			}

		case ruleengine.ActionForward:
			if c.forwarder == nil {
				return category, fmt.Errorf("rule %q: forward requested but no forwarder configured", rule.Name)
			}
			if err := c.forwarder.Forward(ctx, acct.Email, action.Value, msg.Raw); err != nil {
				return category, fmt.Errorf("rule %q: forward to %s: %w", rule.Name, action.Value, err)
			}

		case ruleengine.ActionMarkRead:
			if !addressable {
				logger.Warn("Classifier: skipping mark_read, message no longer addressable",
					"account", acct.Email, "rule", rule.Name)
				continue
			}
			if err := acct.Driver.MarkRead(ctx, folder, uid); err != nil {
				return category, fmt.Errorf("rule %q: mark read: %w", rule.Name, err)
			}

		default:
			logger.Error("Classifier: unknown action kind", "rule", rule.Name, "kind", action.Kind)
		}
	}
	return category, nil
}

func (c *Classifier) recordError(result *BatchResult, msg *mailbox.Message, err error) {
	logger.Error("Classifier: message failed",
		"folder", msg.Folder, "uid", msg.UID, "sender", msg.Sender, "error", err)
	if len(result.Errors) < maxRecordedErrors {
		result.Errors = append(result.Errors, fmt.Sprintf("uid %d: %v", msg.UID, err))
	}
}

// recordAudit writes the batch's classify audit record. Idle batches
// (nothing processed, nothing failed) are not recorded; maintenance runs
// every few minutes and would otherwise flood the trail.
func (c *Classifier) recordAudit(ctx context.Context, account, folder string, result *BatchResult) {
	if result.Processed == 0 && len(result.Errors) == 0 {
		return
	}

	detail := map[string]interface{}{
		"categories": result.Categories,
		"pending":    result.Pending,
	}
	record := &db.AuditRecord{
		Account:      account,
		Stage:        db.StageClassify,
		Folder:       folder,
		MessageCount: result.Processed,
		Success:      len(result.Errors) == 0,
		ErrorText:    strings.Join(result.Errors, "; "),
		Detail:       detail,
	}
	if err := c.audits.InsertAuditRecord(ctx, record); err != nil {
		logger.Error("Classifier: failed to write audit record", "account", account, "error", err)
		return
	}
	metrics.AuditRecordsWritten.WithLabelValues(db.StageClassify).Inc()
}

// ProcessTrainingFolder harvests one training folder: each message's
// sender is added to the bound list, then the message moves on to the
// folder's destination. Folders without a destination use unseen fetches
// and mark the message read instead, so a message is only harvested once.
func (c *Classifier) ProcessTrainingFolder(ctx context.Context, account string, tf config.TrainingFolderConfig) (int, error) {
	acct, ok := c.registry.Get(account)
	if !ok {
		return 0, fmt.Errorf("classifier: %w: %s", consts.ErrAccountNotFound, account)
	}

	driver := acct.Driver
	var messages []*mailbox.Message
	var err error
	if tf.MoveTo == "" {
		messages, err = driver.FetchUnseen(ctx, tf.Folder, defaultBatchLimit)
	} else {
		messages, err = driver.FetchOlderThan(ctx, tf.Folder, time.Now(), defaultBatchLimit)
	}
	if err != nil {
		return 0, fmt.Errorf("classifier: failed to fetch training folder %s: %w", tf.Folder, err)
	}

	harvested := 0
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return harvested, err
		}
		if msg.Sender == "" {
			logger.Warn("Classifier: training message without sender", "folder", tf.Folder, "uid", msg.UID)
			continue
		}

		if err := c.lists.Add(ctx, acct.Email, tf.List, msg.Sender); err != nil {
			logger.Error("Classifier: failed to add training sender",
				"account", acct.Email, "list", tf.List, "sender", msg.Sender, "error", err)
			continue
		}

		if tf.MoveTo != "" {
			if _, err := driver.Move(ctx, tf.Folder, msg.UID, tf.MoveTo); err != nil {
				logger.Error("Classifier: failed to move trained message",
					"account", acct.Email, "folder", tf.Folder, "uid", msg.UID, "error", err)
				continue
			}
		} else {
			if err := driver.MarkRead(ctx, tf.Folder, msg.UID); err != nil {
				logger.Error("Classifier: failed to mark trained message read",
					"account", acct.Email, "folder", tf.Folder, "uid", msg.UID, "error", err)
				continue
			}
		}

		harvested++
		metrics.TrainingMessagesHarvested.WithLabelValues(acct.Email, tf.List).Inc()
	}

	if harvested > 0 {
		logger.InfoContext(ctx, "Classifier: training folder harvested",
			"account", acct.Email, "folder", tf.Folder, "list", tf.List, "harvested", harvested)
	}
	return harvested, nil
}
