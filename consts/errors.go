package consts

import "errors"

var (
	ErrFolderNotFound  = errors.New("folder not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrNotConnected    = errors.New("mailbox connection not established")

	ErrStateConflict    = errors.New("operation not valid in current account state")
	ErrAlreadyRunning   = errors.New("account processing already running")
	ErrBatchInProgress  = errors.New("a batch is already in flight for this account")
	ErrAccountInError   = errors.New("account is in error state and requires restart")
	ErrSchedulerStopped = errors.New("scheduler is not running")

	ErrRuleNotFound     = errors.New("rule not found")
	ErrListNotFound     = errors.New("list not found")
	ErrListEntryInvalid = errors.New("list entries require an account, list name, and address")
	ErrPolicyNotFound   = errors.New("retention policy not found")
	ErrInvalidScope     = errors.New("retention scope must name exactly one of folder or rule")

	ErrDBNotFound        = errors.New("not found")
	ErrDBUniqueViolation = errors.New("unique violation")
	ErrDBInsertFailed    = errors.New("insert failed")

	ErrArchiveFailed = errors.New("archive upload failed")
)
