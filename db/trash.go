package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mailfold/mailfold/consts"
)

// TrashEntry records one message moved to trash under a policy. Entries
// are never deleted: a restore sets restored_at, a purge sets
// deleted_at, and the row stays for the audit trail.
type TrashEntry struct {
	ID           int64      `json:"id"`
	Account      string     `json:"account"`
	Fingerprint  string     `json:"fingerprint"`
	TrashFolder  string     `json:"trash_folder"`
	UID          uint32     `json:"uid"`
	UIDValidity  uint32     `json:"uid_validity"`
	OriginFolder string     `json:"origin_folder"`
	PolicyID     string     `json:"policy_id,omitempty"`
	Sender       string     `json:"sender"`
	Subject      string     `json:"subject"`
	TrashedAt    time.Time  `json:"trashed_at"`
	PurgeAfter   time.Time  `json:"purge_after"`
	RestoredAt   *time.Time `json:"restored_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// DaysInTrash is derived, never stored.
func (e *TrashEntry) DaysInTrash(asOf time.Time) int {
	d := asOf.Sub(e.TrashedAt)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

// InsertTrashEntry records a move to trash. Seeing the same live
// message twice updates the existing entry in place; the message may
// have been re-uploaded or the previous run interrupted after the move.
func (db *Database) InsertTrashEntry(ctx context.Context, entry *TrashEntry) error {
	entry.Account = strings.ToLower(entry.Account)
	var policyID interface{}
	if entry.PolicyID != "" {
		policyID = entry.PolicyID
	}
	row := db.TimedQueryRow(ctx, "insert_trash_entry", `
		INSERT INTO trash_entries
			(account, fingerprint, trash_folder, uid, uid_validity, origin_folder,
			 policy_id, sender, subject, trashed_at, purge_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (account, fingerprint) WHERE restored_at IS NULL AND deleted_at IS NULL
		DO UPDATE SET trash_folder = EXCLUDED.trash_folder,
		              uid = EXCLUDED.uid,
		              uid_validity = EXCLUDED.uid_validity,
		              purge_after = EXCLUDED.purge_after
		RETURNING id
	`, entry.Account, entry.Fingerprint, entry.TrashFolder, int64(entry.UID),
		int64(entry.UIDValidity), entry.OriginFolder, policyID,
		entry.Sender, entry.Subject, entry.TrashedAt, entry.PurgeAfter)
	if err := row.Scan(&entry.ID); err != nil {
		return fmt.Errorf("failed to insert trash entry: %w", err)
	}
	return nil
}

const trashColumns = `
	id, account, fingerprint, trash_folder, uid, uid_validity, origin_folder,
	COALESCE(policy_id::text, ''), sender, subject, trashed_at, purge_after,
	restored_at, deleted_at`

// ListLiveTrashEntries returns un-restored, un-purged entries for one
// account, oldest move first.
func (db *Database) ListLiveTrashEntries(ctx context.Context, account string) ([]*TrashEntry, error) {
	return db.listTrashEntries(ctx, `
		SELECT `+trashColumns+`
		FROM trash_entries
		WHERE account = $1 AND restored_at IS NULL AND deleted_at IS NULL
		ORDER BY trashed_at, id
	`, strings.ToLower(account))
}

// ListPurgeCandidates returns live entries whose purge deadline has
// passed as of the given instant, oldest first, capped at limit.
func (db *Database) ListPurgeCandidates(ctx context.Context, account string, asOf time.Time, limit int) ([]*TrashEntry, error) {
	return db.listTrashEntries(ctx, `
		SELECT `+trashColumns+`
		FROM trash_entries
		WHERE account = $1 AND purge_after <= $2
		  AND restored_at IS NULL AND deleted_at IS NULL
		ORDER BY trashed_at, id
		LIMIT $3
	`, strings.ToLower(account), asOf, limit)
}

// ListPurgeCandidatesForPolicy narrows purge candidates to one policy.
func (db *Database) ListPurgeCandidatesForPolicy(ctx context.Context, account, policyID string, asOf time.Time, limit int) ([]*TrashEntry, error) {
	return db.listTrashEntries(ctx, `
		SELECT `+trashColumns+`
		FROM trash_entries
		WHERE account = $1 AND policy_id = $2 AND purge_after <= $3
		  AND restored_at IS NULL AND deleted_at IS NULL
		ORDER BY trashed_at, id
		LIMIT $4
	`, strings.ToLower(account), policyID, asOf, limit)
}

// ListLiveTrashByUIDs resolves live entries for restore requests. UIDs
// not present in the trash index are simply absent from the result.
func (db *Database) ListLiveTrashByUIDs(ctx context.Context, account string, uids []uint32) ([]*TrashEntry, error) {
	ids := make([]int64, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, int64(uid))
	}
	return db.listTrashEntries(ctx, `
		SELECT `+trashColumns+`
		FROM trash_entries
		WHERE account = $1 AND uid = ANY($2::bigint[])
		  AND restored_at IS NULL AND deleted_at IS NULL
		ORDER BY trashed_at, id
	`, strings.ToLower(account), ids)
}

func (db *Database) listTrashEntries(ctx context.Context, sql string, args ...interface{}) ([]*TrashEntry, error) {
	rows, err := db.TimedQuery(ctx, "list_trash_entries", sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trash entries: %w", err)
	}
	defer rows.Close()

	var entries []*TrashEntry
	for rows.Next() {
		entry, err := scanTrashEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trash entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanTrashEntry(row pgx.Row) (*TrashEntry, error) {
	var entry TrashEntry
	var uid, uidValidity int64
	err := row.Scan(&entry.ID, &entry.Account, &entry.Fingerprint, &entry.TrashFolder,
		&uid, &uidValidity, &entry.OriginFolder, &entry.PolicyID,
		&entry.Sender, &entry.Subject, &entry.TrashedAt, &entry.PurgeAfter,
		&entry.RestoredAt, &entry.DeletedAt)
	if err != nil {
		return nil, err
	}
	entry.UID = uint32(uid)
	entry.UIDValidity = uint32(uidValidity)
	return &entry, nil
}

// MarkTrashRestored closes an entry after a successful restore move.
func (db *Database) MarkTrashRestored(ctx context.Context, id int64, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE trash_entries SET restored_at = $2
		WHERE id = $1 AND restored_at IS NULL AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark trash entry restored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// MarkTrashDeleted closes an entry after a permanent delete.
func (db *Database) MarkTrashDeleted(ctx context.Context, id int64, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE trash_entries SET deleted_at = $2
		WHERE id = $1 AND restored_at IS NULL AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark trash entry deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// CountLiveTrashEntries is used by the status endpoints.
func (db *Database) CountLiveTrashEntries(ctx context.Context, account string) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "count_trash_entries", `
		SELECT COUNT(*) FROM trash_entries
		WHERE account = $1 AND restored_at IS NULL AND deleted_at IS NULL
	`, strings.ToLower(account)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trash entries: %w", err)
	}
	return count, nil
}
