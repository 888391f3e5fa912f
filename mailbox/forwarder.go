package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/emersion/go-smtp"

	"github.com/mailfold/mailfold/config"
	"github.com/mailfold/mailfold/logger"
	"github.com/mailfold/mailfold/pkg/metrics"
)

// Forwarder submits messages to an outbound SMTP host for the forward
// rule action. The original message is relayed verbatim with a rewritten
// envelope; headers are not touched.
type Forwarder interface {
	Forward(ctx context.Context, from, to string, raw []byte) error
}

// SMTPForwarder implements Forwarder over a submission host with
// configurable TLS.
type SMTPForwarder struct {
	host      string
	security  string
	tlsVerify bool
}

func NewSMTPForwarder(cfg config.ForwardConfig) *SMTPForwarder {
	return &SMTPForwarder{
		host:      cfg.Host,
		security:  cfg.Security,
		tlsVerify: cfg.TLSVerify,
	}
}

func (f *SMTPForwarder) Forward(ctx context.Context, from, to string, raw []byte) error {
	if f.host == "" {
		return &OpError{Op: "forward", Err: fmt.Errorf("forward host not configured"), Permanent: true}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := f.send(from, to, raw)
	if err != nil {
		metrics.ForwardDeliveries.WithLabelValues("failure").Inc()
		return err
	}
	metrics.ForwardDeliveries.WithLabelValues("success").Inc()
	return nil
}

func (f *SMTPForwarder) send(from, to string, raw []byte) error {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !f.tlsVerify,
	}

	var c *smtp.Client
	var err error
	switch f.security {
	case "starttls":
		c, err = smtp.DialStartTLS(f.host, tlsConfig)
	case "none":
		c, err = smtp.Dial(f.host)
	default:
		c, err = smtp.DialTLS(f.host, tlsConfig)
	}
	if err != nil {
		// Connection errors are temporary (network issue, server down).
		return &OpError{Op: "forward", Err: fmt.Errorf("failed to connect to %s: %w", f.host, err), Permanent: false}
	}
	defer c.Close()

	if err := c.Mail(from, nil); err != nil {
		return &OpError{Op: "forward", Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &OpError{Op: "forward", Err: fmt.Errorf("failed to set recipient: %w", err), Permanent: IsPermanentError(err)}
	}

	wc, err := c.Data()
	if err != nil {
		return &OpError{Op: "forward", Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return &OpError{Op: "forward", Err: fmt.Errorf("failed to write message: %w", err), Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &OpError{Op: "forward", Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	if err := c.Quit(); err != nil {
		// The message was accepted; a failed QUIT is not a delivery error.
		logger.Warn("[FORWARD] failed to send QUIT", "host", f.host, "error", err)
	}
	return nil
}
