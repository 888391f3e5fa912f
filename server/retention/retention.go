// Package retention enforces the two-stage message lifecycle: messages
// older than a policy's retention window move to the account's trash
// folder, and trashed messages past the trash window are permanently
// deleted, archived to object storage first when an archive store is
// configured. Restore moves a trashed message back before stage 2
// claims it.
//
// Policies covering the same message apply shortest total lifecycle
// first, ties broken by policy id, so the strictest policy claims a
// message before a looser one sees it.
package retention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/consts"
	"github.com/mailfold/mailfold/db"
	"github.com/mailfold/mailfold/logger"
	"github.com/mailfold/mailfold/mailbox"
	"github.com/mailfold/mailfold/pkg/metrics"
	"github.com/mailfold/mailfold/server/ruleengine"
)

// Scope narrows a run. A set PolicyID selects that one policy even when
// it is inactive (manual and preview runs); an empty PolicyID covers
// every active policy. Account restricts the run to one mailbox.
type Scope struct {
	PolicyID string `json:"policy_id,omitempty"`
	Account  string `json:"account,omitempty"`
}

// PreviewResult summarizes what a run over the scope would do.
type PreviewResult struct {
	// EmailsToTrash counts stage-1 candidates that would move to trash.
	EmailsToTrash int `json:"emails_to_trash"`
	// EmailsToDelete counts permanent removals: stage-2 purge candidates
	// plus stage-1 candidates of skip_trash policies.
	EmailsToDelete int `json:"emails_to_delete"`
	// FoldersAffected lists every folder with at least one candidate.
	FoldersAffected []string `json:"folders_affected"`
}

// defaultOperationCap bounds a run when the configuration left
// max_emails_per_operation unset.
const defaultOperationCap = 1000

// maxRecordedErrors caps the error strings joined into a summary audit
// record.
const maxRecordedErrors = 10

// Archiver snapshots a raw message before a permanent delete. The S3
// archive store satisfies it; a nil Archiver disables archiving.
type Archiver interface {
	Archive(ctx context.Context, account, fingerprint string, size int64, body io.Reader) (string, error)
}

// Store is the persistence surface the engine needs: policies and their
// counters, trash entries, audit records, and rule lookup for
// rule-scoped policies. *db.Database satisfies it.
type Store interface {
	ListPolicies(ctx context.Context) ([]*db.RetentionPolicy, error)
	GetRule(ctx context.Context, id string) (*ruleengine.Rule, error)
	RecordPolicyRun(ctx context.Context, id string, movedToTrash, permanentlyDeleted int64, at time.Time) error
	RecordPolicyFolders(ctx context.Context, id string, folders []string) error
	InsertTrashEntry(ctx context.Context, entry *db.TrashEntry) error
	ListPurgeCandidates(ctx context.Context, account string, asOf time.Time, limit int) ([]*db.TrashEntry, error)
	ListPurgeCandidatesForPolicy(ctx context.Context, account, policyID string, asOf time.Time, limit int) ([]*db.TrashEntry, error)
	ListLiveTrashByUIDs(ctx context.Context, account string, uids []uint32) ([]*db.TrashEntry, error)
	MarkTrashRestored(ctx context.Context, id int64, at time.Time) error
	MarkTrashDeleted(ctx context.Context, id int64, at time.Time) error
	InsertAuditRecord(ctx context.Context, record *db.AuditRecord) error
}

// Engine runs retention for all registered accounts. Callers serialize
// runs against classification per account; the scheduler's per-account
// locks are the production gate.
type Engine struct {
	registry *mailbox.Registry
	store    Store
	archive  Archiver
	cfg      config.RetentionConfig
}

func New(registry *mailbox.Registry, store Store, archive Archiver, cfg config.RetentionConfig) *Engine {
	return &Engine{registry: registry, store: store, archive: archive, cfg: cfg}
}

// Preview reports what Execute would do for the scope at asOf without
// touching mailbox or database state. A zero asOf means now.
func (e *Engine) Preview(ctx context.Context, scope Scope, asOf time.Time) (*PreviewResult, error) {
	if asOf.IsZero() {
		asOf = time.Now()
	}
	if err := e.validateScope(scope); err != nil {
		return nil, err
	}
	pl, err := e.collect(ctx, scope, asOf)
	if err != nil {
		return nil, err
	}

	result := &PreviewResult{FoldersAffected: []string{}}
	folders := make(map[string]struct{})
	for _, run := range pl.runs {
		for _, msg := range run.stage1 {
			if run.policy.SkipTrash {
				result.EmailsToDelete++
			} else {
				result.EmailsToTrash++
			}
			folders[msg.Folder] = struct{}{}
		}
		for _, entry := range run.stage2 {
			result.EmailsToDelete++
			folders[entry.TrashFolder] = struct{}{}
		}
	}
	for _, run := range pl.orphans {
		for _, entry := range run.entries {
			result.EmailsToDelete++
			folders[entry.TrashFolder] = struct{}{}
		}
	}
	result.FoldersAffected = sortedKeys(folders)
	return result, nil
}

// Execute walks the same candidates as Preview and applies the
// transitions. Dry runs mutate nothing but still produce audit records
// flagged simulated. Per-message failures are recorded and skipped; a
// candidate-discovery failure aborts the call, and records written up to
// that point are returned alongside the error.
func (e *Engine) Execute(ctx context.Context, scope Scope, dryRun bool) ([]*db.AuditRecord, error) {
	start := time.Now()
	records, err := e.execute(ctx, scope, dryRun, start)
	metrics.RetentionRunDuration.Observe(time.Since(start).Seconds())
	return records, err
}

func (e *Engine) execute(ctx context.Context, scope Scope, dryRun bool, asOf time.Time) ([]*db.AuditRecord, error) {
	if err := e.validateScope(scope); err != nil {
		return nil, err
	}
	pl, err := e.collect(ctx, scope, asOf)
	if err != nil {
		return nil, err
	}

	records := []*db.AuditRecord{}
	var total tally
	for _, run := range pl.runs {
		recs, t, err := e.applyRun(ctx, run, dryRun, asOf)
		records = append(records, recs...)
		total.add(t)
		if err != nil {
			return records, err
		}
	}
	for _, run := range pl.orphans {
		recs, t, err := e.purgeEntries(ctx, nil, run.account, run.entries, dryRun, asOf)
		records = append(records, recs...)
		total.add(t)
		if err != nil {
			return records, err
		}
	}

	logger.InfoContext(ctx, "Retention: run complete",
		"policies", len(pl.runs),
		"moved_to_trash", total.moved,
		"deleted", total.deleted,
		"failed", total.failed,
		"dry_run", dryRun)
	return records, nil
}

// Restore moves trash-stage messages back to an active folder and
// closes their entries. It works regardless of the originating policy's
// existence or active flag. An empty targetFolder restores each message
// to its origin folder. UIDs with no live trash entry are ignored.
func (e *Engine) Restore(ctx context.Context, account string, uids []uint32, targetFolder string) (int, error) {
	acct, ok := e.registry.Get(account)
	if !ok {
		return 0, fmt.Errorf("retention: %w: %s", consts.ErrAccountNotFound, account)
	}

	entries, err := e.store.ListLiveTrashByUIDs(ctx, acct.Email, uids)
	if err != nil {
		return 0, fmt.Errorf("retention: failed to load trash entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	now := time.Now()
	restored, failed := 0, 0
	var errs []string
	validity := make(map[string]uint32)
	ensured := make(map[string]bool)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return restored, err
		}

		v, ok := validity[entry.TrashFolder]
		if !ok {
			status, err := acct.Driver.Status(ctx, entry.TrashFolder)
			if err != nil {
				return restored, fmt.Errorf("retention: status %s: %w", entry.TrashFolder, err)
			}
			v = status.UIDValidity
			validity[entry.TrashFolder] = v
		}
		if entry.UIDValidity != v {
			failed++
			errs = appendCapped(errs, fmt.Sprintf("uid %d: uidvalidity changed, not restorable by uid", entry.UID))
			continue
		}

		dest := targetFolder
		if dest == "" {
			dest = entry.OriginFolder
		}
		if dest == "" {
			dest = acct.Config.Folders.Inbox
		}
		if !ensured[dest] {
			if err := mailbox.EnsureFolder(ctx, acct.Driver, dest); err != nil {
				failed++
				errs = appendCapped(errs, fmt.Sprintf("uid %d: ensure %s: %v", entry.UID, dest, err))
				continue
			}
			ensured[dest] = true
		}

		if _, err := acct.Driver.Move(ctx, entry.TrashFolder, imap.UID(entry.UID), dest); err != nil {
			failed++
			errs = appendCapped(errs, fmt.Sprintf("uid %d: move to %s: %v", entry.UID, dest, err))
			continue
		}
		if err := e.store.MarkTrashRestored(ctx, entry.ID, now); err != nil {
			// The message moved but its entry is still live; a later
			// purge would miss the old uid and close it unverified.
			logger.Error("Retention: restored message still tracked in trash",
				"account", acct.Email, "entry", entry.ID, "error", err)
			failed++
			errs = appendCapped(errs, fmt.Sprintf("uid %d: close entry: %v", entry.UID, err))
			continue
		}
		restored++
		metrics.MessagesRestored.WithLabelValues(acct.Email).Inc()
	}

	e.writeRecord(ctx, &db.AuditRecord{
		Account:      acct.Email,
		Stage:        db.StageRestore,
		Folder:       targetFolder,
		MessageCount: restored,
		Success:      failed == 0,
		ErrorText:    strings.Join(errs, "; "),
		Detail: map[string]interface{}{
			"requested": len(uids),
			"matched":   len(entries),
		},
	})

	logger.InfoContext(ctx, "Retention: restore complete",
		"account", acct.Email, "requested", len(uids), "restored", restored, "failed", failed)
	return restored, nil
}

// policyRun is the planned work for one policy on one account.
type policyRun struct {
	policy  *db.RetentionPolicy
	account *mailbox.Account
	folders []string
	stage1  []*mailbox.Message
	stage2  []*db.TrashEntry
}

// orphanRun purges entries whose policy no longer exists. Their
// purge_after was fixed when they were trashed, so no policy is needed.
type orphanRun struct {
	account *mailbox.Account
	entries []*db.TrashEntry
}

type plan struct {
	runs    []*policyRun
	orphans []*orphanRun
}

type tally struct {
	moved   int
	deleted int
	failed  int
}

func (t *tally) add(other tally) {
	t.moved += other.moved
	t.deleted += other.deleted
	t.failed += other.failed
}

// collect builds the candidate plan shared by Preview and Execute.
// Candidate discovery failures abort; nothing has been mutated yet.
func (e *Engine) collect(ctx context.Context, scope Scope, asOf time.Time) (*plan, error) {
	all, err := e.store.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("retention: failed to load policies: %w", err)
	}
	known := make(map[string]struct{}, len(all))
	for _, p := range all {
		known[p.ID] = struct{}{}
	}
	policies, err := scopePolicies(scope, all)
	if err != nil {
		return nil, err
	}

	budget := e.cfg.MaxEmailsPerOperation
	if budget <= 0 {
		budget = defaultOperationCap
	}

	pl := &plan{}
	// A message covered by several policies belongs to the first one
	// that claims it; ListPolicies orders shortest lifecycle first.
	seen := make(map[string]struct{})

	for _, policy := range policies {
		if budget <= 0 {
			break
		}
		folders, err := e.resolveFolders(ctx, policy)
		if err != nil {
			return nil, err
		}
		cutoff := asOf.AddDate(0, 0, -e.effectiveRetentionDays(policy))

		for _, acct := range e.policyAccounts(policy, scope) {
			if budget <= 0 {
				break
			}
			run := &policyRun{policy: policy, account: acct, folders: folders}

			for _, folder := range folders {
				if budget <= 0 {
					break
				}
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				exists, err := acct.Driver.FolderExists(ctx, folder)
				if err != nil {
					return nil, fmt.Errorf("retention: policy %s: folder %s: %w", policy.Name, folder, err)
				}
				if !exists {
					logger.Warn("Retention: policy folder missing, skipping",
						"policy", policy.Name, "account", acct.Email, "folder", folder)
					continue
				}
				msgs, err := acct.Driver.FetchOlderThan(ctx, folder, cutoff, budget)
				if err != nil {
					return nil, fmt.Errorf("retention: policy %s: fetch %s: %w", policy.Name, folder, err)
				}
				for _, msg := range msgs {
					key := acct.Email + "\x00" + msg.Fingerprint
					if _, dup := seen[key]; dup {
						continue
					}
					seen[key] = struct{}{}
					run.stage1 = append(run.stage1, msg)
					budget--
					if budget <= 0 {
						break
					}
				}
			}

			if budget > 0 {
				entries, err := e.store.ListPurgeCandidatesForPolicy(ctx, acct.Email, policy.ID, asOf, budget)
				if err != nil {
					return nil, fmt.Errorf("retention: policy %s: purge candidates: %w", policy.Name, err)
				}
				run.stage2 = entries
				budget -= len(entries)
			}

			// Empty runs stay in the plan: a live execution still stamps
			// last_applied for policies that found nothing.
			pl.runs = append(pl.runs, run)
		}
	}

	// Entries whose policy has been deleted would otherwise sit in trash
	// forever. Scheduled runs sweep them; their purge_after already
	// encodes the deleted policy's trash window.
	if scope.PolicyID == "" && budget > 0 {
		for _, acct := range e.scopeAccounts(scope) {
			if budget <= 0 {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			entries, err := e.store.ListPurgeCandidates(ctx, acct.Email, asOf, budget)
			if err != nil {
				return nil, fmt.Errorf("retention: orphan purge candidates: %w", err)
			}
			run := &orphanRun{account: acct}
			for _, entry := range entries {
				if entry.PolicyID != "" {
					if _, ok := known[entry.PolicyID]; ok {
						continue
					}
				}
				run.entries = append(run.entries, entry)
				budget--
				if budget <= 0 {
					break
				}
			}
			if len(run.entries) > 0 {
				pl.orphans = append(pl.orphans, run)
			}
		}
	}

	return pl, nil
}

// applyRun executes one policy's plan on one account: stage-1 moves (or
// direct deletes for skip_trash), then stage-2 purges, then the policy's
// counter update.
func (e *Engine) applyRun(ctx context.Context, run *policyRun, dryRun bool, asOf time.Time) ([]*db.AuditRecord, tally, error) {
	records := []*db.AuditRecord{}
	var total tally

	recs, t, err := e.applyStage1(ctx, run, dryRun, asOf)
	records = append(records, recs...)
	total.add(t)
	if err != nil {
		return records, total, err
	}

	recs, t, err = e.purgeEntries(ctx, run.policy, run.account, run.stage2, dryRun, asOf)
	records = append(records, recs...)
	total.add(t)
	if err != nil {
		return records, total, err
	}

	if !dryRun {
		if err := e.store.RecordPolicyRun(ctx, run.policy.ID, int64(total.moved), int64(total.deleted), asOf); err != nil {
			logger.Error("Retention: failed to record policy run",
				"policy", run.policy.Name, "error", err)
		}
	}
	return records, total, nil
}

func (e *Engine) applyStage1(ctx context.Context, run *policyRun, dryRun bool, asOf time.Time) ([]*db.AuditRecord, tally, error) {
	policy, acct := run.policy, run.account
	records := []*db.AuditRecord{}
	var t tally
	if len(run.stage1) == 0 {
		return records, t, nil
	}

	stage := db.StageMoveToTrash
	if policy.SkipTrash {
		stage = db.StagePermanentDelete
	}

	var trash string
	var trashValidity uint32
	if !dryRun && !policy.SkipTrash {
		var err error
		trash, err = acct.TrashFolder(ctx)
		if err != nil {
			return records, t, fmt.Errorf("retention: resolve trash folder for %s: %w", acct.Email, err)
		}
		if err := mailbox.EnsureFolder(ctx, acct.Driver, trash); err != nil {
			return records, t, fmt.Errorf("retention: ensure trash folder %s: %w", trash, err)
		}
		status, err := acct.Driver.Status(ctx, trash)
		if err != nil {
			return records, t, fmt.Errorf("retention: trash folder status: %w", err)
		}
		trashValidity = status.UIDValidity
	}

	var errs []string
	for _, msg := range run.stage1 {
		if err := ctx.Err(); err != nil {
			return records, t, err
		}
		if dryRun {
			if policy.SkipTrash {
				t.deleted++
			} else {
				t.moved++
			}
			continue
		}

		var opErr error
		if policy.SkipTrash {
			opErr = e.deleteMessage(ctx, acct, msg.Folder, msg.UID, msg.Fingerprint)
			if opErr == nil {
				t.deleted++
			}
		} else {
			opErr = e.moveToTrash(ctx, policy, acct, msg, trash, trashValidity, asOf)
			if opErr == nil {
				t.moved++
			}
		}
		if opErr != nil {
			t.failed++
			errs = appendCapped(errs, fmt.Sprintf("uid %d: %v", msg.UID, opErr))
			records = append(records, e.writeFailure(ctx, stage, policy, acct.Email, msg.Folder, dryRun, opErr,
				map[string]interface{}{"uid": uint32(msg.UID), "fingerprint": msg.Fingerprint}))
		}
	}

	if t.moved > 0 || t.deleted > 0 || t.failed > 0 {
		detail := map[string]interface{}{"folders": run.folders}
		count := t.moved
		if policy.SkipTrash {
			detail["direct_delete"] = true
			count = t.deleted
		}
		record := &db.AuditRecord{
			Account:      acct.Email,
			Stage:        stage,
			PolicyID:     policy.ID,
			Folder:       singleFolder(run.folders),
			MessageCount: count,
			Success:      t.failed == 0,
			DryRun:       dryRun,
			ErrorText:    strings.Join(errs, "; "),
			Detail:       detail,
		}
		if policy.ScopeKind == db.ScopeRule {
			record.RuleID = policy.ScopeValue
		}
		records = append(records, e.writeRecord(ctx, record))
	}
	return records, t, nil
}

// moveToTrash executes one stage-1 transition. The entry is what makes
// the move reversible and the later purge possible; an insert failure is
// reported as a message failure even though the move itself stuck.
func (e *Engine) moveToTrash(ctx context.Context, policy *db.RetentionPolicy, acct *mailbox.Account, msg *mailbox.Message, trash string, trashValidity uint32, asOf time.Time) error {
	newUID, err := acct.Driver.Move(ctx, msg.Folder, msg.UID, trash)
	if err != nil {
		return fmt.Errorf("move to %s: %w", trash, err)
	}
	entry := &db.TrashEntry{
		Account:     acct.Email,
		Fingerprint: msg.Fingerprint,
		TrashFolder: trash,
		// 0 when the server reported no COPYUID; the purge closes such
		// entries unverified instead of deleting by a guessed uid.
		UID:          uint32(newUID),
		UIDValidity:  trashValidity,
		OriginFolder: msg.Folder,
		PolicyID:     policy.ID,
		Sender:       msg.Sender,
		Subject:      msg.Subject,
		TrashedAt:    asOf,
		PurgeAfter:   asOf.AddDate(0, 0, policy.TrashRetentionDays),
	}
	if err := e.store.InsertTrashEntry(ctx, entry); err != nil {
		return fmt.Errorf("record trash entry: %w", err)
	}
	metrics.RetentionMovedToTrash.WithLabelValues(acct.Email).Inc()
	return nil
}

// deleteMessage permanently removes a message, archiving the raw body
// first when an archive store is configured. An archive failure keeps
// the message in place; it is retried on the next run.
func (e *Engine) deleteMessage(ctx context.Context, acct *mailbox.Account, folder string, uid imap.UID, fingerprint string) error {
	if e.archive != nil {
		msg, err := acct.Driver.FetchMessage(ctx, folder, uid)
		if err != nil {
			return fmt.Errorf("fetch for archive: %w", err)
		}
		if len(msg.Raw) == 0 {
			return fmt.Errorf("fetch for archive: empty body for uid %d", uid)
		}
		if _, err := e.archive.Archive(ctx, acct.Email, fingerprint, int64(len(msg.Raw)), bytes.NewReader(msg.Raw)); err != nil {
			return fmt.Errorf("%w: %v", consts.ErrArchiveFailed, err)
		}
	}
	if err := acct.Driver.Delete(ctx, folder, uid); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	metrics.RetentionPermanentDeletes.WithLabelValues(acct.Email).Inc()
	return nil
}

// purgeEntries executes stage 2 for a set of live trash entries. A nil
// policy marks an orphan sweep.
func (e *Engine) purgeEntries(ctx context.Context, policy *db.RetentionPolicy, acct *mailbox.Account, entries []*db.TrashEntry, dryRun bool, asOf time.Time) ([]*db.AuditRecord, tally, error) {
	records := []*db.AuditRecord{}
	var t tally
	if len(entries) == 0 {
		return records, t, nil
	}

	var errs []string
	gone := 0
	validity := make(map[string]uint32)
	folders := make(map[string]struct{})

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return records, t, err
		}
		folders[entry.TrashFolder] = struct{}{}
		if dryRun {
			t.deleted++
			continue
		}

		v, ok := validity[entry.TrashFolder]
		if !ok {
			status, err := acct.Driver.Status(ctx, entry.TrashFolder)
			if err != nil {
				return records, t, fmt.Errorf("retention: status %s: %w", entry.TrashFolder, err)
			}
			v = status.UIDValidity
			validity[entry.TrashFolder] = v
		}

		if entry.UID == 0 || entry.UIDValidity != v {
			// The stored uid no longer addresses anything trustworthy.
			// Deleting by it could hit the wrong message, so close the
			// entry and leave the mailbox alone.
			opErr := fmt.Errorf("uid %d not addressable in %s, entry closed without delete", entry.UID, entry.TrashFolder)
			if err := e.store.MarkTrashDeleted(ctx, entry.ID, asOf); err != nil {
				logger.Error("Retention: failed to close unaddressable entry",
					"account", acct.Email, "entry", entry.ID, "error", err)
			}
			t.failed++
			errs = appendCapped(errs, opErr.Error())
			records = append(records, e.writeFailure(ctx, db.StagePermanentDelete, policy, acct.Email, entry.TrashFolder, dryRun, opErr,
				map[string]interface{}{"uid": entry.UID, "fingerprint": entry.Fingerprint}))
			continue
		}

		wasGone, opErr := e.purgeEntry(ctx, acct, entry, asOf)
		if opErr != nil {
			t.failed++
			errs = appendCapped(errs, fmt.Sprintf("uid %d: %v", entry.UID, opErr))
			records = append(records, e.writeFailure(ctx, db.StagePermanentDelete, policy, acct.Email, entry.TrashFolder, dryRun, opErr,
				map[string]interface{}{"uid": entry.UID, "fingerprint": entry.Fingerprint}))
			continue
		}
		if wasGone {
			gone++
		} else {
			t.deleted++
		}
	}

	if t.deleted > 0 || t.failed > 0 || gone > 0 {
		folderList := sortedKeys(folders)
		detail := map[string]interface{}{
			"purged_from_trash": true,
			"trash_folders":     folderList,
		}
		if gone > 0 {
			detail["already_gone"] = gone
		}
		if policy == nil {
			detail["orphaned_policy"] = true
		}
		record := &db.AuditRecord{
			Account:      acct.Email,
			Stage:        db.StagePermanentDelete,
			Folder:       singleFolder(folderList),
			MessageCount: t.deleted,
			Success:      t.failed == 0,
			DryRun:       dryRun,
			ErrorText:    strings.Join(errs, "; "),
			Detail:       detail,
		}
		if policy != nil {
			record.PolicyID = policy.ID
			if policy.ScopeKind == db.ScopeRule {
				record.RuleID = policy.ScopeValue
			}
		}
		records = append(records, e.writeRecord(ctx, record))
	}
	return records, t, nil
}

// purgeEntry archives and deletes one trashed message, then closes its
// entry. gone reports that the message had already left the trash folder
// outside our control; the entry is closed so it is not retried forever.
func (e *Engine) purgeEntry(ctx context.Context, acct *mailbox.Account, entry *db.TrashEntry, asOf time.Time) (gone bool, err error) {
	if e.archive != nil {
		msg, err := acct.Driver.FetchMessage(ctx, entry.TrashFolder, imap.UID(entry.UID))
		if errors.Is(err, consts.ErrMessageNotFound) {
			if markErr := e.store.MarkTrashDeleted(ctx, entry.ID, asOf); markErr != nil {
				return false, fmt.Errorf("close missing entry: %w", markErr)
			}
			logger.Debug("Retention: trashed message already gone",
				"account", acct.Email, "folder", entry.TrashFolder, "uid", entry.UID)
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("fetch for archive: %w", err)
		}
		if len(msg.Raw) == 0 {
			return false, fmt.Errorf("fetch for archive: empty body for uid %d", entry.UID)
		}
		if _, err := e.archive.Archive(ctx, acct.Email, entry.Fingerprint, int64(len(msg.Raw)), bytes.NewReader(msg.Raw)); err != nil {
			return false, fmt.Errorf("%w: %v", consts.ErrArchiveFailed, err)
		}
	}
	if err := acct.Driver.Delete(ctx, entry.TrashFolder, imap.UID(entry.UID)); err != nil {
		return false, fmt.Errorf("delete: %w", err)
	}
	if err := e.store.MarkTrashDeleted(ctx, entry.ID, asOf); err != nil {
		return false, fmt.Errorf("close entry: %w", err)
	}
	metrics.RetentionPermanentDeletes.WithLabelValues(acct.Email).Inc()
	return false, nil
}

// resolveFolders returns the folders a policy watches. Rule-scoped
// policies resolve their rule's move destinations at execution time and
// persist them, so the policy keeps matching the folders it recorded
// after the rule is deleted.
func (e *Engine) resolveFolders(ctx context.Context, policy *db.RetentionPolicy) ([]string, error) {
	if policy.ScopeKind == db.ScopeFolder {
		return []string{policy.ScopeValue}, nil
	}

	rule, err := e.store.GetRule(ctx, policy.ScopeValue)
	if errors.Is(err, consts.ErrRuleNotFound) {
		logger.Debug("Retention: rule deleted, using recorded folders",
			"policy", policy.Name, "rule", policy.ScopeValue)
		return policy.RecordedFolders, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retention: policy %s: resolve rule: %w", policy.Name, err)
	}

	var folders []string
	for _, action := range rule.Actions {
		if action.Kind != ruleengine.ActionMoveToFolder {
			continue
		}
		if !slices.Contains(folders, action.Value) {
			folders = append(folders, action.Value)
		}
	}
	if !slices.Equal(folders, policy.RecordedFolders) {
		if err := e.store.RecordPolicyFolders(ctx, policy.ID, folders); err != nil {
			logger.Warn("Retention: failed to record policy folders",
				"policy", policy.Name, "error", err)
		} else {
			policy.RecordedFolders = folders
		}
	}
	return folders, nil
}

// effectiveRetentionDays applies the configured floor: a policy can
// never trash mail younger than min_retention_days.
func (e *Engine) effectiveRetentionDays(policy *db.RetentionPolicy) int {
	if policy.RetentionDays < e.cfg.MinRetentionDays {
		return e.cfg.MinRetentionDays
	}
	return policy.RetentionDays
}

func (e *Engine) validateScope(scope Scope) error {
	if scope.Account == "" {
		return nil
	}
	if _, ok := e.registry.Get(scope.Account); !ok {
		return fmt.Errorf("retention: %w: %s", consts.ErrAccountNotFound, scope.Account)
	}
	return nil
}

// policyAccounts resolves the accounts one policy covers within the
// scope. Policies for accounts this process does not run are skipped.
func (e *Engine) policyAccounts(policy *db.RetentionPolicy, scope Scope) []*mailbox.Account {
	if policy.Account != "" {
		if scope.Account != "" && !strings.EqualFold(scope.Account, policy.Account) {
			return nil
		}
		if acct, ok := e.registry.Get(policy.Account); ok {
			return []*mailbox.Account{acct}
		}
		logger.Warn("Retention: policy account not registered",
			"policy", policy.Name, "account", policy.Account)
		return nil
	}
	return e.scopeAccounts(scope)
}

func (e *Engine) scopeAccounts(scope Scope) []*mailbox.Account {
	if scope.Account != "" {
		if acct, ok := e.registry.Get(scope.Account); ok {
			return []*mailbox.Account{acct}
		}
		return nil
	}
	return e.registry.All()
}

// scopePolicies selects the policies a scope covers, preserving the
// shortest-lifecycle-first order of the input.
func scopePolicies(scope Scope, all []*db.RetentionPolicy) ([]*db.RetentionPolicy, error) {
	if scope.PolicyID != "" {
		for _, p := range all {
			if p.ID == scope.PolicyID {
				return []*db.RetentionPolicy{p}, nil
			}
		}
		return nil, fmt.Errorf("retention: %w: %s", consts.ErrPolicyNotFound, scope.PolicyID)
	}
	var active []*db.RetentionPolicy
	for _, p := range all {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}

// writeFailure records one failed message transition. Failures never
// abort the run; the caller continues with the next candidate.
func (e *Engine) writeFailure(ctx context.Context, stage string, policy *db.RetentionPolicy, account, folder string, dryRun bool, opErr error, detail map[string]interface{}) *db.AuditRecord {
	record := &db.AuditRecord{
		Account:   account,
		Stage:     stage,
		Folder:    folder,
		Success:   false,
		DryRun:    dryRun,
		ErrorText: opErr.Error(),
		Detail:    detail,
	}
	if policy != nil {
		record.PolicyID = policy.ID
	}
	logger.Error("Retention: message transition failed",
		"stage", stage, "account", account, "folder", folder, "error", opErr)
	return e.writeRecord(ctx, record)
}

func (e *Engine) writeRecord(ctx context.Context, record *db.AuditRecord) *db.AuditRecord {
	if err := e.store.InsertAuditRecord(ctx, record); err != nil {
		logger.Error("Retention: failed to write audit record",
			"account", record.Account, "stage", record.Stage, "error", err)
		return record
	}
	metrics.AuditRecordsWritten.WithLabelValues(record.Stage).Inc()
	return record
}

func appendCapped(errs []string, msg string) []string {
	if len(errs) >= maxRecordedErrors {
		return errs
	}
	return append(errs, msg)
}

func singleFolder(folders []string) string {
	if len(folders) == 1 {
		return folders[0]
	}
	return ""
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
