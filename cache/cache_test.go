package cache

import (
	"path/filepath"
	"testing"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to create uid-state store: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestLastUIDUnknownFolder(t *testing.T) {
	c := newTestCache(t)

	uid, err := c.LastUID("user@example.com", "INBOX", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != 0 {
		t.Errorf("expected 0 for untracked folder, got %d", uid)
	}
}

func TestAdvanceAndLastUID(t *testing.T) {
	c := newTestCache(t)

	if err := c.Advance("User@Example.com", "INBOX", 100, 42); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	// Account lookup is case-insensitive.
	uid, err := c.LastUID("user@example.com", "INBOX", 100)
	if err != nil {
		t.Fatalf("LastUID failed: %v", err)
	}
	if uid != 42 {
		t.Errorf("expected 42, got %d", uid)
	}

	state, err := c.Get("user@example.com", "INBOX")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if state == nil || state.UIDValidity != 100 || state.LastUID != 42 {
		t.Errorf("unexpected state: %+v", state)
	}
}

func TestAdvanceNeverMovesBackwards(t *testing.T) {
	c := newTestCache(t)

	if err := c.Advance("user@example.com", "INBOX", 100, 42); err != nil {
		t.Fatal(err)
	}
	if err := c.Advance("user@example.com", "INBOX", 100, 7); err != nil {
		t.Fatal(err)
	}

	uid, err := c.LastUID("user@example.com", "INBOX", 100)
	if err != nil {
		t.Fatal(err)
	}
	if uid != 42 {
		t.Errorf("progress moved backwards: got %d, want 42", uid)
	}
}

func TestUIDValidityChangeResetsProgress(t *testing.T) {
	c := newTestCache(t)

	if err := c.Advance("user@example.com", "INBOX", 100, 42); err != nil {
		t.Fatal(err)
	}

	// The server rebuilt the mailbox; stored UIDs are meaningless now.
	uid, err := c.LastUID("user@example.com", "INBOX", 101)
	if err != nil {
		t.Fatal(err)
	}
	if uid != 0 {
		t.Errorf("expected reset to 0 after UIDVALIDITY change, got %d", uid)
	}

	state, err := c.Get("user@example.com", "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if state.UIDValidity != 101 || state.LastUID != 0 {
		t.Errorf("state not reset: %+v", state)
	}

	// Advancing under the new validity works as usual.
	if err := c.Advance("user@example.com", "INBOX", 101, 5); err != nil {
		t.Fatal(err)
	}
	uid, _ = c.LastUID("user@example.com", "INBOX", 101)
	if uid != 5 {
		t.Errorf("expected 5 after re-advance, got %d", uid)
	}
}

func TestForget(t *testing.T) {
	c := newTestCache(t)

	if err := c.Advance("user@example.com", "INBOX", 100, 42); err != nil {
		t.Fatal(err)
	}
	if err := c.Advance("user@example.com", "Newsletters", 200, 9); err != nil {
		t.Fatal(err)
	}

	if err := c.Forget("user@example.com", "INBOX"); err != nil {
		t.Fatal(err)
	}
	state, err := c.Get("user@example.com", "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if state != nil {
		t.Errorf("expected INBOX state gone, got %+v", state)
	}
	state, _ = c.Get("user@example.com", "Newsletters")
	if state == nil {
		t.Error("Newsletters state should survive Forget of INBOX")
	}

	if err := c.ForgetAccount("user@example.com"); err != nil {
		t.Fatal(err)
	}
	states, err := c.List("user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 0 {
		t.Errorf("expected no state after ForgetAccount, got %d rows", len(states))
	}
}

func TestList(t *testing.T) {
	c := newTestCache(t)

	folders := []string{"INBOX", "Newsletters", "Receipts"}
	for i, folder := range folders {
		if err := c.Advance("user@example.com", folder, 100, uint32(i+1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Advance("other@example.com", "INBOX", 100, 99); err != nil {
		t.Fatal(err)
	}

	states, err := c.List("user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != len(folders) {
		t.Fatalf("expected %d folders, got %d", len(folders), len(states))
	}
	// Sorted by folder name.
	for i, folder := range folders {
		if states[i].Folder != folder {
			t.Errorf("position %d: expected %s, got %s", i, folder, states[i].Folder)
		}
	}
}
