package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-sasl"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/consts"
	"github.com/mailfold/mailfold/helpers"
	"github.com/mailfold/mailfold/logger"
	"github.com/mailfold/mailfold/pkg/metrics"
	"github.com/mailfold/mailfold/pkg/retry"
)

const (
	defaultIMAPPort    = "143"
	defaultIMAPTLSPort = "993"
)

// IMAPMailbox implements Driver over a single IMAP connection. All
// operations are serialized on an internal mutex; a dead connection is
// dropped on use and redialed by the next operation.
type IMAPMailbox struct {
	account   string
	addr      string
	username  string
	password  string
	useTLS    bool
	tlsVerify bool
	dialRetry retry.BackoffConfig

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
}

// NewIMAPMailbox builds a driver for the account. It does not dial;
// the first operation (or an explicit Connect) establishes the session.
func NewIMAPMailbox(cfg config.AccountConfig) *IMAPMailbox {
	addr := cfg.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		port := defaultIMAPPort
		if cfg.TLS {
			port = defaultIMAPTLSPort
		}
		addr = net.JoinHostPort(addr, port)
	}
	return &IMAPMailbox{
		account:   cfg.Email,
		addr:      addr,
		username:  cfg.Username,
		password:  cfg.Password,
		useTLS:    cfg.TLS,
		tlsVerify: cfg.TLSVerify,
		dialRetry: retry.DefaultBackoffConfig(),
	}
}

func (m *IMAPMailbox) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

// connectLocked dials and authenticates unless a session is already live.
// Callers hold m.mu.
func (m *IMAPMailbox) connectLocked(ctx context.Context) error {
	if m.client != nil {
		return nil
	}

	start := time.Now()
	err := retry.WithRetry(ctx, func() error {
		client, err := m.dial()
		if err != nil {
			logger.Warn("[MAILBOX] dial failed", "account", m.account, "addr", m.addr, "error", err)
			return err
		}
		if err := m.authenticate(client); err != nil {
			client.Close()
			if IsPermanentError(err) {
				return retry.Stop(err)
			}
			return err
		}
		m.client = client
		m.selected = ""
		return nil
	}, m.dialRetry)
	m.observe("connect", start, err)
	if err != nil {
		return &OpError{Op: "connect", Err: err, Permanent: IsPermanentError(err)}
	}
	logger.Info("[MAILBOX] connected", "account", m.account, "addr", m.addr)
	return nil
}

func (m *IMAPMailbox) dial() (*imapclient.Client, error) {
	if m.useTLS {
		tlsConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !m.tlsVerify,
		}
		return imapclient.DialTLS(m.addr, &imapclient.Options{TLSConfig: tlsConfig})
	}
	return imapclient.DialInsecure(m.addr, nil)
}

// authenticate prefers SASL PLAIN and falls back to LOGIN for servers
// that do not advertise it.
func (m *IMAPMailbox) authenticate(client *imapclient.Client) error {
	plainErr := client.Authenticate(sasl.NewPlainClient("", m.username, m.password))
	if plainErr == nil {
		return nil
	}
	if err := client.Login(m.username, m.password).Wait(); err != nil {
		return fmt.Errorf("authentication failed: %w", plainErr)
	}
	return nil
}

func (m *IMAPMailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	client := m.client
	m.client = nil
	m.selected = ""
	if err := client.Logout().Wait(); err != nil {
		logger.Debug("[MAILBOX] logout failed", "account", m.account, "error", err)
	}
	client.Close()
	return nil
}

// dropConnection discards a session after a connection-level failure so
// the next Connect redials. Callers hold m.mu.
func (m *IMAPMailbox) dropConnection() {
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.selected = ""
}

func (m *IMAPMailbox) ensureSelected(folder string) error {
	if m.client == nil {
		return consts.ErrNotConnected
	}
	if m.selected == folder {
		return nil
	}
	if _, err := m.client.Select(folder, nil).Wait(); err != nil {
		m.selected = ""
		if isConnectionError(err) {
			m.dropConnection()
		}
		return err
	}
	m.selected = folder
	return nil
}

func (m *IMAPMailbox) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.MailboxOperations.WithLabelValues(op, status).Inc()
	metrics.MailboxOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// wrapOp builds the operation error, downgrading folder-missing NO
// responses to the sentinel and dropping the session on network errors.
// Callers hold m.mu.
func (m *IMAPMailbox) wrapOp(op, folder string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		m.dropConnection()
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeNonExistent {
		return fmt.Errorf("%s %q: %w", op, folder, consts.ErrFolderNotFound)
	}
	return &OpError{Op: op, Folder: folder, Err: err, Permanent: IsPermanentError(err)}
}

func (m *IMAPMailbox) ListFolders(ctx context.Context) ([]Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	mailboxes, err := m.client.List("", "*", nil).Collect()
	m.observe("list", start, err)
	if err != nil {
		return nil, m.wrapOp("list", "", err)
	}

	folders := make([]Folder, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		folders = append(folders, Folder{Name: mbox.Mailbox, Attrs: mbox.Attrs})
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

func (m *IMAPMailbox) FolderExists(ctx context.Context, name string) (bool, error) {
	folders, err := m.ListFolders(ctx)
	if err != nil {
		return false, err
	}
	for _, f := range folders {
		if f.Name == name || (strings.EqualFold(name, "INBOX") && strings.EqualFold(f.Name, "INBOX")) {
			return true, nil
		}
	}
	return false, nil
}

func (m *IMAPMailbox) CreateFolder(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.connectLocked(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := m.client.Create(name, nil).Wait()
	m.observe("create", start, err)
	if err != nil {
		return m.wrapOp("create", name, err)
	}
	logger.Info("[MAILBOX] created folder", "account", m.account, "folder", name)
	return nil
}

func (m *IMAPMailbox) Status(ctx context.Context, folder string) (*FolderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := m.client.Status(folder, &imap.StatusOptions{
		UIDValidity: true,
		NumMessages: true,
		NumUnseen:   true,
	}).Wait()
	m.observe("status", start, err)
	if err != nil {
		return nil, m.wrapOp("status", folder, err)
	}

	status := &FolderStatus{Name: folder, UIDValidity: data.UIDValidity}
	if data.NumMessages != nil {
		status.NumMessages = *data.NumMessages
	}
	if data.NumUnseen != nil {
		status.NumUnseen = *data.NumUnseen
	}
	return status, nil
}

func (m *IMAPMailbox) FetchUnseen(ctx context.Context, folder string, limit int) ([]*Message, error) {
	return m.FetchUnseenAbove(ctx, folder, 0, limit)
}

func (m *IMAPMailbox) FetchUnseenAbove(ctx context.Context, folder string, after imap.UID, limit int) ([]*Message, error) {
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	if after > 0 {
		var set imap.UIDSet
		set.AddRange(after+1, 0) // open-ended, up to *
		criteria.UID = []imap.UIDSet{set}
	}
	return m.search(ctx, "fetch_unseen", folder, criteria, limit, true)
}

func (m *IMAPMailbox) FetchOlderThan(ctx context.Context, folder string, before time.Time, limit int) ([]*Message, error) {
	criteria := &imap.SearchCriteria{Before: before}
	return m.search(ctx, "fetch_older", folder, criteria, limit, false)
}

func (m *IMAPMailbox) FetchMessage(ctx context.Context, folder string, uid imap.UID) (*Message, error) {
	var set imap.UIDSet
	set.AddNum(uid)
	criteria := &imap.SearchCriteria{UID: []imap.UIDSet{set}}
	msgs, err := m.search(ctx, "fetch_message", folder, criteria, 1, true)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, consts.ErrMessageNotFound
	}
	return msgs[0], nil
}

func (m *IMAPMailbox) search(ctx context.Context, op, folder string, criteria *imap.SearchCriteria, limit int, withBody bool) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.connectLocked(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	msgs, err := m.searchLocked(folder, criteria, limit, withBody)
	m.observe(op, start, err)
	if err != nil {
		return nil, m.wrapOp(op, folder, err)
	}
	return msgs, nil
}

func (m *IMAPMailbox) searchLocked(folder string, criteria *imap.SearchCriteria, limit int, withBody bool) ([]*Message, error) {
	if err := m.ensureSelected(folder); err != nil {
		return nil, err
	}

	searchData, err := m.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	// Lowest UIDs first; assignment order follows arrival order.
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(uids...)

	fullBody := &imap.FetchItemBodySection{}
	options := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		Flags:        true,
	}
	if withBody {
		options.BodySection = []*imap.FetchItemBodySection{fullBody}
	}

	buffers, err := m.client.Fetch(uidSet, options).Collect()
	if err != nil {
		return nil, err
	}

	msgs := make([]*Message, 0, len(buffers))
	for _, buf := range buffers {
		msg := m.buildMessage(folder, buf, fullBody, withBody)
		if msg == nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })
	return msgs, nil
}

func (m *IMAPMailbox) buildMessage(folder string, buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection, withBody bool) *Message {
	if buf.UID == 0 {
		return nil
	}

	msg := &Message{
		UID:          buf.UID,
		Folder:       folder,
		InternalDate: buf.InternalDate,
	}
	for _, flag := range buf.Flags {
		if flag == imap.FlagSeen {
			msg.Seen = true
		}
	}

	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.MessageID = env.MessageID
		msg.Date = env.Date
		if len(env.From) > 0 {
			from := env.From[0]
			msg.SenderName = from.Name
			if from.Mailbox != "" && from.Host != "" {
				msg.Sender = strings.ToLower(from.Mailbox + "@" + from.Host)
			}
		}
	}

	if withBody {
		raw := buf.FindBodySection(section)
		if raw == nil {
			logger.Warn("[MAILBOX] message body missing from fetch response",
				"account", m.account, "folder", folder, "uid", msg.UID)
		} else {
			msg.Raw = raw
			entity, err := message.Read(bytes.NewReader(raw))
			if err != nil && !message.IsUnknownCharset(err) {
				// Malformed messages still classify on envelope fields.
				logger.Debug("[MAILBOX] failed to parse message body",
					"account", m.account, "folder", folder, "uid", msg.UID, "error", err)
			} else if entity != nil {
				msg.Content = helpers.ExtractPlainText(entity)
			}
		}
	}

	msg.Fingerprint = Fingerprint(msg)
	return msg
}

// Fingerprint computes the cross-folder identity hash for a message.
func Fingerprint(msg *Message) string {
	return helpers.MessageFingerprint(msg.MessageID, msg.Date.UTC().Format(time.RFC3339), msg.Sender, msg.Subject)
}

func (m *IMAPMailbox) Move(ctx context.Context, folder string, uid imap.UID, dest string) (imap.UID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.connectLocked(ctx); err != nil {
		return 0, err
	}

	start := time.Now()
	newUID, err := m.moveLocked(folder, uid, dest)
	m.observe("move", start, err)
	if err != nil {
		return 0, m.wrapOp("move", folder, err)
	}
	return newUID, nil
}

func (m *IMAPMailbox) moveLocked(folder string, uid imap.UID, dest string) (imap.UID, error) {
	if err := m.ensureSelected(folder); err != nil {
		return 0, err
	}

	data, err := m.client.Move(imap.UIDSetNum(uid), dest).Wait()
	if err != nil {
		return 0, err
	}
	if data == nil || data.DestUIDs == nil {
		return 0, nil
	}
	destSet, ok := data.DestUIDs.(imap.UIDSet)
	if !ok {
		return 0, nil
	}
	for _, r := range destSet {
		if r.Start != 0 {
			return r.Start, nil
		}
	}
	return 0, nil
}

func (m *IMAPMailbox) Delete(ctx context.Context, folder string, uid imap.UID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.connectLocked(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := m.deleteLocked(folder, uid)
	m.observe("delete", start, err)
	if err != nil {
		return m.wrapOp("delete", folder, err)
	}
	return nil
}

func (m *IMAPMailbox) deleteLocked(folder string, uid imap.UID) error {
	if err := m.ensureSelected(folder); err != nil {
		return err
	}

	storeCmd := m.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return err
	}
	if _, err := m.client.Expunge().Collect(); err != nil {
		return err
	}
	return nil
}

func (m *IMAPMailbox) MarkRead(ctx context.Context, folder string, uid imap.UID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.connectLocked(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := m.markReadLocked(folder, uid)
	m.observe("mark_read", start, err)
	if err != nil {
		return m.wrapOp("mark_read", folder, err)
	}
	return nil
}

func (m *IMAPMailbox) markReadLocked(folder string, uid imap.UID) error {
	if err := m.ensureSelected(folder); err != nil {
		return err
	}

	storeCmd := m.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	return storeCmd.Close()
}
