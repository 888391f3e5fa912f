package helpers

import (
	"strings"
	"testing"

	"github.com/emersion/go-message"
)

func TestExtractPlainTextFromPlainPart(t *testing.T) {
	raw := "Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello there, this is the body.\r\n"

	entity, err := message.Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to parse message: %v", err)
	}

	got := ExtractPlainText(entity)
	if !strings.Contains(got, "this is the body") {
		t.Errorf("plain text not extracted, got %q", got)
	}
}

func TestExtractPlainTextPrefersPlainOverHTML(t *testing.T) {
	raw := "Content-Type: multipart/alternative; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain wins\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html loses</p>\r\n" +
		"--BOUND--\r\n"

	entity, err := message.Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to parse message: %v", err)
	}

	got := ExtractPlainText(entity)
	if !strings.Contains(got, "plain wins") {
		t.Errorf("expected text/plain part, got %q", got)
	}
	if strings.Contains(got, "html loses") {
		t.Errorf("html part leaked into result: %q", got)
	}
}

func TestExtractPlainTextFallsBackToHTML(t *testing.T) {
	raw := "Content-Type: text/html\r\n" +
		"\r\n" +
		"<html><body><p>Special offer inside</p></body></html>\r\n"

	entity, err := message.Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to parse message: %v", err)
	}

	got := ExtractPlainText(entity)
	if !strings.Contains(got, "Special offer inside") {
		t.Errorf("html fallback missing content, got %q", got)
	}
	if strings.Contains(got, "<p>") {
		t.Errorf("html tags not stripped: %q", got)
	}
}

func TestMessageFingerprintStable(t *testing.T) {
	a := MessageFingerprint("<id@x>", "Mon, 02 Jan 2006", "Sender@Example.com", "Hi")
	b := MessageFingerprint("<id@x>", "Mon, 02 Jan 2006", "sender@example.com", "Hi")
	if a != b {
		t.Error("fingerprint should be case-insensitive on the from address")
	}

	c := MessageFingerprint("<other@x>", "Mon, 02 Jan 2006", "sender@example.com", "Hi")
	if a == c {
		t.Error("different message-ids must not collide")
	}

	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}
