package helpers

import "testing"

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"display name form", "Jane Doe <jane@example.com>", "jane@example.com"},
		{"bare address", "jane@example.com", "jane@example.com"},
		{"uppercase normalized", "Jane <JANE@Example.COM>", "jane@example.com"},
		{"surrounding whitespace", "  <a@b.org> ", "a@b.org"},
		{"quoted display name with angle", `"Doe, Jane" <jane@example.com>`, "jane@example.com"},
		{"missing closing angle", "Jane <jane@example.com", "jane@example.com"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractAddress(tt.input); got != tt.want {
				t.Errorf("ExtractAddress(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSplitEmailAddress(t *testing.T) {
	local, domain := SplitEmailAddress("User@Example.COM")
	if local != "user" || domain != "example.com" {
		t.Errorf("got (%q, %q), want (user, example.com)", local, domain)
	}

	local, domain = SplitEmailAddress("no-at-sign")
	if local != "no-at-sign" || domain != "" {
		t.Errorf("got (%q, %q), want (no-at-sign, empty)", local, domain)
	}
}

func TestAddressDomain(t *testing.T) {
	if got := AddressDomain("Sales Desk <deals@shop.example>"); got != "shop.example" {
		t.Errorf("got %q, want shop.example", got)
	}
	if got := AddressDomain("nodomain"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
