// Package mailbox provides access to remote IMAP accounts. It exposes a
// Driver interface used by the classification and retention layers, an
// implementation backed by go-imap/v2, and an SMTP forwarder for the
// forward rule action.
package mailbox

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailfold/mailfold/consts"
)

// Message is a message fetched from a remote folder. Content and Raw are
// only populated by FetchUnseen; metadata-only fetches leave them empty.
type Message struct {
	UID          imap.UID
	Folder       string
	MessageID    string
	Sender       string // bare address, lowercased
	SenderName   string
	Subject      string
	Content      string // decoded plain text body
	Raw          []byte // full RFC 822 message
	Date         time.Time
	InternalDate time.Time
	Seen         bool

	// Fingerprint identifies the message across folders. UIDs are
	// reassigned on MOVE, so cross-folder tracking keys on this.
	Fingerprint string
}

// Folder is a remote folder with its special-use attributes.
type Folder struct {
	Name  string
	Attrs []imap.MailboxAttr
}

// HasAttr reports whether the folder carries the given special-use attribute.
func (f Folder) HasAttr(attr imap.MailboxAttr) bool {
	for _, a := range f.Attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// FolderStatus is a snapshot of a folder's counters.
type FolderStatus struct {
	Name        string
	UIDValidity uint32
	NumMessages uint32
	NumUnseen   uint32
}

// Driver is the mailbox access boundary. Implementations serialize
// concurrent calls internally; callers still coordinate per-account
// scheduling above this layer.
type Driver interface {
	// Connect establishes the session. The IMAP implementation also
	// redials a dropped session on the next operation, so an explicit
	// Connect is only needed to verify credentials eagerly.
	Connect(ctx context.Context) error
	Close() error

	ListFolders(ctx context.Context) ([]Folder, error)
	FolderExists(ctx context.Context, name string) (bool, error)
	CreateFolder(ctx context.Context, name string) error
	Status(ctx context.Context, folder string) (*FolderStatus, error)

	// FetchUnseen returns up to limit unseen messages from the folder,
	// oldest first, with envelope and body populated.
	FetchUnseen(ctx context.Context, folder string, limit int) ([]*Message, error)

	// FetchUnseenAbove is FetchUnseen restricted to UIDs greater than
	// after. Callers pass their last-processed UID so messages already
	// evaluated and left in place are not fetched again.
	FetchUnseenAbove(ctx context.Context, folder string, after imap.UID, limit int) ([]*Message, error)

	// FetchOlderThan returns up to limit messages whose internal date is
	// before the cutoff, oldest first. Bodies are not fetched.
	FetchOlderThan(ctx context.Context, folder string, before time.Time, limit int) ([]*Message, error)

	// FetchMessage returns a single message with its body populated, or
	// consts.ErrMessageNotFound when the UID no longer exists.
	FetchMessage(ctx context.Context, folder string, uid imap.UID) (*Message, error)

	// Move transfers the message to dest and returns its UID in dest,
	// or 0 when the server did not report COPYUID data.
	Move(ctx context.Context, folder string, uid imap.UID, dest string) (imap.UID, error)

	// Delete flags the message \Deleted and expunges it.
	Delete(ctx context.Context, folder string, uid imap.UID) error

	MarkRead(ctx context.Context, folder string, uid imap.UID) error
}

// EnsureFolder creates the folder when it does not exist yet.
func EnsureFolder(ctx context.Context, d Driver, name string) error {
	exists, err := d.FolderExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := d.CreateFolder(ctx, name); err != nil {
		// Another session may have created it between the check and the
		// create.
		if exists, checkErr := d.FolderExists(ctx, name); checkErr == nil && exists {
			return nil
		}
		return err
	}
	return nil
}

// DiscoverTrashFolder finds the account's trash folder. Special-use
// \Trash wins; otherwise the common provider names are tried in order.
// Returns consts.ErrFolderNotFound when no candidate exists.
func DiscoverTrashFolder(ctx context.Context, d Driver) (string, error) {
	folders, err := d.ListFolders(ctx)
	if err != nil {
		return "", err
	}
	for _, f := range folders {
		if f.HasAttr(imap.MailboxAttrTrash) {
			return f.Name, nil
		}
	}
	byName := make(map[string]string, len(folders))
	for _, f := range folders {
		byName[f.Name] = f.Name
	}
	for _, candidate := range consts.TrashFolderCandidates {
		if name, ok := byName[candidate]; ok {
			return name, nil
		}
	}
	return "", consts.ErrFolderNotFound
}
