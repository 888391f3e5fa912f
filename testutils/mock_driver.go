package testutils

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/mock"

	"github.com/mailfold/mailfold/mailbox"
)

// MockDriver implements mailbox.Driver for tests outside the mailbox
// package.
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

func (m *MockDriver) ListFolders(ctx context.Context) ([]mailbox.Folder, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]mailbox.Folder), args.Error(1)
}

func (m *MockDriver) FolderExists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockDriver) CreateFolder(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockDriver) Status(ctx context.Context, folder string) (*mailbox.FolderStatus, error) {
	args := m.Called(ctx, folder)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mailbox.FolderStatus), args.Error(1)
}

func (m *MockDriver) FetchUnseen(ctx context.Context, folder string, limit int) ([]*mailbox.Message, error) {
	args := m.Called(ctx, folder, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*mailbox.Message), args.Error(1)
}

func (m *MockDriver) FetchUnseenAbove(ctx context.Context, folder string, after imap.UID, limit int) ([]*mailbox.Message, error) {
	args := m.Called(ctx, folder, after, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*mailbox.Message), args.Error(1)
}

func (m *MockDriver) FetchOlderThan(ctx context.Context, folder string, before time.Time, limit int) ([]*mailbox.Message, error) {
	args := m.Called(ctx, folder, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*mailbox.Message), args.Error(1)
}

func (m *MockDriver) FetchMessage(ctx context.Context, folder string, uid imap.UID) (*mailbox.Message, error) {
	args := m.Called(ctx, folder, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mailbox.Message), args.Error(1)
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
