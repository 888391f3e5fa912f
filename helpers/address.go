package helpers

import "strings"

// ExtractAddress pulls the bare address out of an RFC 5322 mailbox string
// such as "Jane Doe <jane@example.com>". Plain addresses pass through.
// The result is lowercased; the empty string stays empty.
func ExtractAddress(mailbox string) string {
	s := strings.TrimSpace(mailbox)
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			s = s[i+1 : i+j]
		} else {
			s = s[i+1:]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// SplitEmailAddress splits a bare address into localpart and domain,
// both lowercased. The domain is empty when the address has no '@'.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// AddressDomain returns the lowercased domain of an address in either bare
// or display form.
func AddressDomain(mailbox string) string {
	_, domain := SplitEmailAddress(ExtractAddress(mailbox))
	return domain
}
