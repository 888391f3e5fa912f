package mailbox

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-smtp"
)

// OpError wraps a mailbox operation failure with information about whether
// it is permanent or temporary. Permanent errors (the server understood
// the command and rejected it) should not be retried. Temporary errors
// (network failures, server overload) can be retried after reconnecting.
type OpError struct {
	Op        string
	Folder    string
	Err       error
	Permanent bool
}

func (e *OpError) Error() string {
	kind := "temporary"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Folder != "" {
		return fmt.Sprintf("%s %q: %s failure: %v", e.Op, e.Folder, kind, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, kind, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsPermanentError checks if an error is a permanent failure. Returns true
// for IMAP NO/BAD responses (except server-side availability codes) and
// 5xx SMTP errors, false for 4xx SMTP errors and network errors.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Permanent
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeUnavailable, imap.ResponseCodeServerBug, imap.ResponseCodeInUse, imap.ResponseCodeLimit:
			return false
		}
		return imapErr.Type == imap.StatusResponseTypeNo || imapErr.Type == imap.StatusResponseTypeBad
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	// Network errors, connection errors, EOF on a dropped session.
	return false
}

// isConnectionError reports whether the error indicates a dead session
// that a reconnect could recover.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
