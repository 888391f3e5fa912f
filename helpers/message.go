package helpers

import (
	"encoding/hex"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
	"lukechampine.com/blake3"
)

// ExtractPlainText walks the MIME structure of a message and returns its
// text content for rule evaluation. A text/plain part wins; when only
// text/html exists it is converted to plain text. Unreadable parts are
// skipped rather than failing the whole message.
func ExtractPlainText(entity *message.Entity) string {
	var plain, html string
	collectText(entity, &plain, &html)
	if plain != "" {
		return plain
	}
	if html != "" {
		return html2text.HTML2Text(html)
	}
	return ""
}

func collectText(entity *message.Entity, plain, html *string) {
	mediaType, _, _ := entity.Header.ContentType()

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			if err != nil {
				return
			}
			collectText(part, plain, html)
			if *plain != "" {
				return
			}
		}
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}
	switch mediaType {
	case "text/plain":
		if *plain == "" {
			*plain = string(content)
		}
	case "text/html":
		if *html == "" {
			*html = string(content)
		}
	}
}

// MessageFingerprint derives a stable identity for a message from headers
// that survive folder moves. IMAP UIDs are reassigned on MOVE, so trash
// entries and the UID-state cache correlate messages by this hash instead.
func MessageFingerprint(messageID, date, from, subject string) string {
	h := blake3.New(32, nil)
	io.WriteString(h, messageID)
	io.WriteString(h, "\x00")
	io.WriteString(h, date)
	io.WriteString(h, "\x00")
	io.WriteString(h, strings.ToLower(from))
	io.WriteString(h, "\x00")
	io.WriteString(h, subject)
	return hex.EncodeToString(h.Sum(nil))
}
