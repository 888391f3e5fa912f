package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/mock"

	"github.com/mailfold/mailfold/consts"
)

// MockDriver implements Driver for tests.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockDriver) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDriver) ListFolders(ctx context.Context) ([]Folder, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Folder), args.Error(1)
}

func (m *MockDriver) FolderExists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockDriver) CreateFolder(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockDriver) Status(ctx context.Context, folder string) (*FolderStatus, error) {
	args := m.Called(ctx, folder)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*FolderStatus), args.Error(1)
}

func (m *MockDriver) FetchUnseen(ctx context.Context, folder string, limit int) ([]*Message, error) {
	args := m.Called(ctx, folder, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Message), args.Error(1)
}

func (m *MockDriver) FetchUnseenAbove(ctx context.Context, folder string, after imap.UID, limit int) ([]*Message, error) {
	args := m.Called(ctx, folder, after, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Message), args.Error(1)
}

func (m *MockDriver) FetchOlderThan(ctx context.Context, folder string, before time.Time, limit int) ([]*Message, error) {
	args := m.Called(ctx, folder, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Message), args.Error(1)
}

func (m *MockDriver) FetchMessage(ctx context.Context, folder string, uid imap.UID) (*Message, error) {
	args := m.Called(ctx, folder, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Message), args.Error(1)
}

func (m *MockDriver) Move(ctx context.Context, folder string, uid imap.UID, dest string) (imap.UID, error) {
	args := m.Called(ctx, folder, uid, dest)
	return args.Get(0).(imap.UID), args.Error(1)
}

func (m *MockDriver) Delete(ctx context.Context, folder string, uid imap.UID) error {
	args := m.Called(ctx, folder, uid)
	return args.Error(0)
}

func (m *MockDriver) MarkRead(ctx context.Context, folder string, uid imap.UID) error {
	args := m.Called(ctx, folder, uid)
	return args.Error(0)
}

func TestDiscoverTrashFolderSpecialUse(t *testing.T) {
	driver := &MockDriver{}
	driver.On("ListFolders", mock.Anything).Return([]Folder{
		{Name: "INBOX"},
		{Name: "Wastebasket", Attrs: []imap.MailboxAttr{imap.MailboxAttrTrash}},
		{Name: "Trash"},
	}, nil)

	name, err := DiscoverTrashFolder(context.Background(), driver)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The special-use attribute wins over the name match.
	if name != "Wastebasket" {
		t.Errorf("expected Wastebasket, got %s", name)
	}
	driver.AssertExpectations(t)
}

func TestDiscoverTrashFolderByName(t *testing.T) {
	tests := []struct {
		name    string
		folders []Folder
		want    string
	}{
		{
			name:    "plain trash",
			folders: []Folder{{Name: "INBOX"}, {Name: "Trash"}},
			want:    "Trash",
		},
		{
			name:    "gmail style",
			folders: []Folder{{Name: "INBOX"}, {Name: "[Gmail]/Trash"}},
			want:    "[Gmail]/Trash",
		},
		{
			name:    "outlook style",
			folders: []Folder{{Name: "INBOX"}, {Name: "Deleted Items"}},
			want:    "Deleted Items",
		},
		{
			name:    "candidate order",
			folders: []Folder{{Name: "Deleted Items"}, {Name: "Trash"}},
			want:    "Trash",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := &MockDriver{}
			driver.On("ListFolders", mock.Anything).Return(tt.folders, nil)

			name, err := DiscoverTrashFolder(context.Background(), driver)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if name != tt.want {
				t.Errorf("expected %s, got %s", tt.want, name)
			}
		})
	}
}

func TestDiscoverTrashFolderMissing(t *testing.T) {
	driver := &MockDriver{}
	driver.On("ListFolders", mock.Anything).Return([]Folder{{Name: "INBOX"}}, nil)

	_, err := DiscoverTrashFolder(context.Background(), driver)
	if err != consts.ErrFolderNotFound {
		t.Errorf("expected ErrFolderNotFound, got %v", err)
	}
}

func TestEnsureFolderAlreadyExists(t *testing.T) {
	driver := &MockDriver{}
	driver.On("FolderExists", mock.Anything, "Pending").Return(true, nil)

	if err := EnsureFolder(context.Background(), driver, "Pending"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	driver.AssertNotCalled(t, "CreateFolder", mock.Anything, mock.Anything)
}

func TestEnsureFolderCreates(t *testing.T) {
	driver := &MockDriver{}
	driver.On("FolderExists", mock.Anything, "Pending").Return(false, nil).Once()
	driver.On("CreateFolder", mock.Anything, "Pending").Return(nil).Once()

	if err := EnsureFolder(context.Background(), driver, "Pending"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	driver.AssertExpectations(t)
}

func TestEnsureFolderCreateRace(t *testing.T) {
	driver := &MockDriver{}
	// The folder appears between the existence check and the create.
	driver.On("FolderExists", mock.Anything, "Pending").Return(false, nil).Once()
	driver.On("CreateFolder", mock.Anything, "Pending").
		Return(&OpError{Op: "create", Folder: "Pending", Err: consts.ErrStateConflict, Permanent: true}).Once()
	driver.On("FolderExists", mock.Anything, "Pending").Return(true, nil).Once()

	if err := EnsureFolder(context.Background(), driver, "Pending"); err != nil {
		t.Fatalf("expected race to be absorbed, got %v", err)
	}
	driver.AssertExpectations(t)
}

func TestBuildMessage(t *testing.T) {
	raw := []byte("From: Alice Example <Alice@Example.COM>\r\n" +
		"To: bob@example.net\r\n" +
		"Subject: Quarterly report\r\n" +
		"Message-ID: <abc123@example.com>\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Numbers attached.\r\n")

	section := &imap.FetchItemBodySection{}
	date := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	buf := &imapclient.FetchMessageBuffer{
		UID:          42,
		InternalDate: date,
		Flags:        []imap.Flag{imap.FlagAnswered},
		Envelope: &imap.Envelope{
			Subject:   "Quarterly report",
			MessageID: "<abc123@example.com>",
			Date:      date,
			From: []imap.Address{
				{Name: "Alice Example", Mailbox: "Alice", Host: "Example.COM"},
			},
		},
		BodySection: []imapclient.FetchBodySectionBuffer{
			{Section: section, Bytes: raw},
		},
	}

	m := &IMAPMailbox{account: "bob@example.net"}
	msg := m.buildMessage("INBOX", buf, section, true)
	if msg == nil {
		t.Fatal("expected a message")
	}

	if msg.UID != 42 {
		t.Errorf("uid: got %d", msg.UID)
	}
	if msg.Folder != "INBOX" {
		t.Errorf("folder: got %s", msg.Folder)
	}
	if msg.Sender != "alice@example.com" {
		t.Errorf("sender not lowercased: got %q", msg.Sender)
	}
	if msg.SenderName != "Alice Example" {
		t.Errorf("sender name: got %q", msg.SenderName)
	}
	if msg.Subject != "Quarterly report" {
		t.Errorf("subject: got %q", msg.Subject)
	}
	if msg.Content != "Numbers attached.\r\n" {
		t.Errorf("content: got %q", msg.Content)
	}
	if msg.Seen {
		t.Error("message should not be seen")
	}
	if len(msg.Fingerprint) != 64 {
		t.Errorf("fingerprint length: got %d", len(msg.Fingerprint))
	}
	if msg.Fingerprint != Fingerprint(msg) {
		t.Error("fingerprint should be deterministic")
	}
}

func TestBuildMessageWithoutBody(t *testing.T) {
	date := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	buf := &imapclient.FetchMessageBuffer{
		UID:          7,
		InternalDate: date,
		Flags:        []imap.Flag{imap.FlagSeen},
		Envelope: &imap.Envelope{
			Subject: "old news",
			Date:    date,
			From:    []imap.Address{{Mailbox: "news", Host: "example.org"}},
		},
	}

	m := &IMAPMailbox{account: "bob@example.net"}
	msg := m.buildMessage("Trash", buf, &imap.FetchItemBodySection{}, false)
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Content != "" || msg.Raw != nil {
		t.Error("metadata fetch should not carry a body")
	}
	if !msg.Seen {
		t.Error("seen flag lost")
	}
	if msg.InternalDate != date {
		t.Errorf("internal date: got %v", msg.InternalDate)
	}
}

func TestFolderHasAttr(t *testing.T) {
	f := Folder{Name: "Trash", Attrs: []imap.MailboxAttr{imap.MailboxAttrTrash}}
	if !f.HasAttr(imap.MailboxAttrTrash) {
		t.Error("expected attribute present")
	}
	if f.HasAttr(imap.MailboxAttrJunk) {
		t.Error("unexpected attribute")
	}
}
