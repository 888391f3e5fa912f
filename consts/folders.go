package consts

const FolderDelimiter = '/'

// Folder roles an account configuration can map to concrete folder names.
const (
	RoleInbox     = "inbox"
	RolePending   = "pending"
	RoleProcessed = "processed"
	RoleJunk      = "junk"
	RoleTrash     = "trash"
)

// TrashFolderCandidates are probed in order when an account does not
// configure a trash folder explicitly. Covers Gmail, Outlook, Dovecot and
// plain namespace layouts.
var TrashFolderCandidates = []string{
	"Trash",
	"[Gmail]/Trash",
	"Deleted Items",
	"Deleted Messages",
	"INBOX.Trash",
}

var DefaultFolders = []string{
	"INBOX",
	"Pending",
	"Processed",
	"Junk",
	"Trash",
}
