package ruleengine

import (
	"fmt"
	"testing"
	"time"
)

type fakeLists struct {
	members map[string]map[string]bool
}

func (f *fakeLists) Contains(account, listName, address string) bool {
	return f.members[listName][address]
}

func msgFrom(sender, subject, content string) *Message {
	return &Message{
		Account: "bob@example.net",
		Sender:  sender,
		Subject: subject,
		Content: content,
	}
}

func singleRule(cond Condition) []*Rule {
	return []*Rule{{
		ID:         "r1",
		Name:       "test",
		Priority:   10,
		Active:     true,
		Mode:       ModeAnd,
		Conditions: []Condition{cond},
		Actions:    []Action{{Kind: ActionMarkRead}},
	}}
}

func TestConditionKinds(t *testing.T) {
	lists := &fakeLists{members: map[string]map[string]bool{
		"vendor": {"noreply@shop.example": true},
	}}
	engine := NewEngine(lists)

	tests := []struct {
		name    string
		cond    Condition
		msg     *Message
		matches bool
	}{
		{
			name:    "sender_contains hit",
			cond:    Condition{Kind: CondSenderContains, Value: "noreply"},
			msg:     msgFrom("noreply@shop.example", "x", ""),
			matches: true,
		},
		{
			name:    "sender_contains miss",
			cond:    Condition{Kind: CondSenderContains, Value: "billing"},
			msg:     msgFrom("noreply@shop.example", "x", ""),
			matches: false,
		},
		{
			name:    "sender_contains case insensitive by default",
			cond:    Condition{Kind: CondSenderContains, Value: "NoReply"},
			msg:     msgFrom("noreply@shop.example", "x", ""),
			matches: true,
		},
		{
			name:    "sender_domain hit",
			cond:    Condition{Kind: CondSenderDomain, Value: "Shop.Example"},
			msg:     msgFrom("noreply@shop.example", "x", ""),
			matches: true,
		},
		{
			name:    "sender_domain does not match substring",
			cond:    Condition{Kind: CondSenderDomain, Value: "example"},
			msg:     msgFrom("noreply@shop.example", "x", ""),
			matches: false,
		},
		{
			name:    "sender_exact hit",
			cond:    Condition{Kind: CondSenderExact, Value: "NoReply@Shop.Example"},
			msg:     msgFrom("noreply@shop.example", "x", ""),
			matches: true,
		},
		{
			name:    "sender_exact case sensitive miss",
			cond:    Condition{Kind: CondSenderExact, Value: "NoReply@Shop.Example", CaseSensitive: true},
			msg:     msgFrom("noreply@shop.example", "x", ""),
			matches: false,
		},
		{
			name:    "subject_contains hit",
			cond:    Condition{Kind: CondSubjectContains, Value: "invoice"},
			msg:     msgFrom("a@b.c", "Your Invoice #42", ""),
			matches: true,
		},
		{
			name:    "subject_exact hit",
			cond:    Condition{Kind: CondSubjectExact, Value: "your invoice #42"},
			msg:     msgFrom("a@b.c", "Your Invoice #42", ""),
			matches: true,
		},
		{
			name:    "subject_regex hit",
			cond:    Condition{Kind: CondSubjectRegex, Value: `invoice #\d+`},
			msg:     msgFrom("a@b.c", "Your Invoice #42", ""),
			matches: true,
		},
		{
			name:    "subject_regex case sensitive",
			cond:    Condition{Kind: CondSubjectRegex, Value: `invoice #\d+`, CaseSensitive: true},
			msg:     msgFrom("a@b.c", "Your Invoice #42", ""),
			matches: false,
		},
		{
			name:    "subject_regex invalid pattern fails closed",
			cond:    Condition{Kind: CondSubjectRegex, Value: `([unclosed`},
			msg:     msgFrom("a@b.c", "([unclosed", ""),
			matches: false,
		},
		{
			name:    "content_contains hit",
			cond:    Condition{Kind: CondContentContains, Value: "unsubscribe"},
			msg:     msgFrom("a@b.c", "x", "Click here to UNSUBSCRIBE from this list"),
			matches: true,
		},
		{
			name:    "content_contains empty body",
			cond:    Condition{Kind: CondContentContains, Value: "unsubscribe"},
			msg:     msgFrom("a@b.c", "x", ""),
			matches: false,
		},
		{
			name:    "sender_in_list hit",
			cond:    Condition{Kind: CondSenderInList, Value: "vendor"},
			msg:     msgFrom("noreply@shop.example", "x", ""),
			matches: true,
		},
		{
			name:    "sender_in_list unknown list is false",
			cond:    Condition{Kind: CondSenderInList, Value: "deleted-list"},
			msg:     msgFrom("noreply@shop.example", "x", ""),
			matches: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := engine.Match(singleRule(tt.cond), tt.msg)
			if got := rule != nil; got != tt.matches {
				t.Errorf("match = %v, want %v", got, tt.matches)
			}
		})
	}
}

func TestConditionModes(t *testing.T) {
	engine := NewEngine(nil)
	conds := []Condition{
		{Kind: CondSenderDomain, Value: "shop.example"},
		{Kind: CondSubjectContains, Value: "invoice"},
	}

	tests := []struct {
		name    string
		mode    ConditionMode
		msg     *Message
		matches bool
	}{
		{"and both true", ModeAnd, msgFrom("a@shop.example", "invoice 42", ""), true},
		{"and one false", ModeAnd, msgFrom("a@shop.example", "receipt", ""), false},
		{"or one true", ModeOr, msgFrom("a@other.example", "invoice 42", ""), true},
		{"or both false", ModeOr, msgFrom("a@other.example", "receipt", ""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := []*Rule{{
				ID:         "r1",
				Name:       "modes",
				Active:     true,
				Mode:       tt.mode,
				Conditions: conds,
				Actions:    []Action{{Kind: ActionMarkRead}},
			}}
			rule := engine.Match(rules, tt.msg)
			if got := rule != nil; got != tt.matches {
				t.Errorf("match = %v, want %v", got, tt.matches)
			}
		})
	}
}

func TestRuleWithoutConditionsNeverMatches(t *testing.T) {
	engine := NewEngine(nil)
	rules := []*Rule{{
		ID:      "r1",
		Name:    "empty",
		Active:  true,
		Mode:    ModeAnd,
		Actions: []Action{{Kind: ActionMarkRead}},
	}}
	if engine.Match(rules, msgFrom("a@b.c", "x", "")) != nil {
		t.Error("a rule with no conditions must not match")
	}
}

func TestFirstMatchWins(t *testing.T) {
	engine := NewEngine(nil)
	rules := SortRules([]*Rule{
		{
			ID:         "newsletter",
			Name:       "newsletters to vendor list",
			Priority:   20,
			Active:     true,
			Mode:       ModeAnd,
			Conditions: []Condition{{Kind: CondSubjectContains, Value: "newsletter"}},
			Actions:    []Action{{Kind: ActionAddToList, Value: "vendor"}},
		},
		{
			ID:         "spam",
			Name:       "spam domain to junk",
			Priority:   10,
			Active:     true,
			Mode:       ModeAnd,
			Conditions: []Condition{{Kind: CondSenderDomain, Value: "spam.com"}},
			Actions:    []Action{{Kind: ActionMoveToFolder, Value: "Junk"}},
		},
	})

	// Message matches both rules; the lower priority number wins and the
	// second rule is never consulted.
	msg := msgFrom("x@spam.com", "Weekly newsletter", "")
	rule := engine.Match(rules, msg)
	if rule == nil {
		t.Fatal("expected a match")
	}
	if rule.ID != "spam" {
		t.Errorf("expected rule spam to win, got %s", rule.ID)
	}
}

func TestScopeAndActiveFiltering(t *testing.T) {
	engine := NewEngine(nil)
	cond := []Condition{{Kind: CondSenderContains, Value: "@"}}

	rules := SortRules([]*Rule{
		{
			ID: "other", Name: "other account", Priority: 1, Active: true,
			Account: "alice@example.net", Mode: ModeAnd, Conditions: cond,
			Actions: []Action{{Kind: ActionMarkRead}},
		},
		{
			ID: "inactive", Name: "inactive", Priority: 2, Active: false,
			Mode: ModeAnd, Conditions: cond,
			Actions: []Action{{Kind: ActionMarkRead}},
		},
		{
			ID: "scoped", Name: "scoped to bob", Priority: 3, Active: true,
			Account: "BOB@Example.Net", Mode: ModeAnd, Conditions: cond,
			Actions: []Action{{Kind: ActionMarkRead}},
		},
	})

	rule := engine.Match(rules, msgFrom("a@b.c", "x", ""))
	if rule == nil {
		t.Fatal("expected the account-scoped rule to match")
	}
	// Account scope comparison ignores case.
	if rule.ID != "scoped" {
		t.Errorf("expected rule scoped, got %s", rule.ID)
	}
}

func TestSortRules(t *testing.T) {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rules := []*Rule{
		{ID: "c", Priority: 10, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "a", Priority: 5, CreatedAt: base},
		{ID: "b", Priority: 10, CreatedAt: base.Add(time.Hour)},
		{ID: "d", Priority: 10, CreatedAt: base.Add(time.Hour)},
	}

	sorted := SortRules(rules)
	got := ""
	for _, r := range sorted {
		got += r.ID
	}
	// Priority first, then created time, then ID for the b/d tie.
	if got != "abdc" {
		t.Errorf("unexpected order %s, want abdc", got)
	}

	// The input slice is left untouched.
	if rules[0].ID != "c" {
		t.Error("SortRules must not mutate its input")
	}
}

func TestValidateRule(t *testing.T) {
	valid := func() *Rule {
		return &Rule{
			Name:       "ok",
			Mode:       ModeAnd,
			Conditions: []Condition{{Kind: CondSenderContains, Value: "x"}},
			Actions:    []Action{{Kind: ActionMoveToFolder, Value: "Archive"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Rule)
		wantErr bool
	}{
		{"valid rule", func(r *Rule) {}, false},
		{"missing name", func(r *Rule) { r.Name = " " }, true},
		{"bad mode", func(r *Rule) { r.Mode = "xor" }, true},
		{"empty mode defaults to and", func(r *Rule) { r.Mode = "" }, false},
		{"no conditions", func(r *Rule) { r.Conditions = nil }, true},
		{"no actions", func(r *Rule) { r.Actions = nil }, true},
		{"unknown condition kind", func(r *Rule) { r.Conditions[0].Kind = "sender_sounds_like" }, true},
		{"empty condition value", func(r *Rule) { r.Conditions[0].Value = "" }, true},
		{"invalid regex rejected at save", func(r *Rule) {
			r.Conditions[0] = Condition{Kind: CondSubjectRegex, Value: "([bad"}
		}, true},
		{"valid regex accepted", func(r *Rule) {
			r.Conditions[0] = Condition{Kind: CondSubjectRegex, Value: `order \d+`}
		}, false},
		{"unknown action kind", func(r *Rule) { r.Actions[0].Kind = "shred" }, true},
		{"move without folder", func(r *Rule) { r.Actions[0].Value = "" }, true},
		{"forward without address", func(r *Rule) {
			r.Actions[0] = Action{Kind: ActionForward, Value: "not-an-address"}
		}, true},
		{"mark_read needs no value", func(r *Rule) {
			r.Actions[0] = Action{Kind: ActionMarkRead}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := valid()
			tt.mutate(rule)
			err := ValidateRule(rule)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRule() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegexCacheNegativeEntry(t *testing.T) {
	engine := NewEngine(nil)
	cond := Condition{Kind: CondSubjectRegex, Value: "([bad"}

	// Both evaluations fail closed; the second hits the negative cache.
	for i := 0; i < 2; i++ {
		if engine.Match(singleRule(cond), msgFrom("a@b.c", "([bad", "")) != nil {
			t.Fatalf("pass %d: invalid pattern must not match", i+1)
		}
	}

	engine.mu.RLock()
	cached, ok := engine.regexes["(?i)([bad"]
	engine.mu.RUnlock()
	if !ok || cached != nil {
		t.Error("expected a negative cache entry for the invalid pattern")
	}
}

func BenchmarkMatch(b *testing.B) {
	engine := NewEngine(nil)
	var rules []*Rule
	for i := 0; i < 50; i++ {
		rules = append(rules, &Rule{
			ID:         fmt.Sprintf("r%02d", i),
			Priority:   i,
			Active:     true,
			Mode:       ModeAnd,
			Conditions: []Condition{{Kind: CondSenderDomain, Value: fmt.Sprintf("host%02d.example", i)}},
			Actions:    []Action{{Kind: ActionMarkRead}},
		})
	}
	rules = SortRules(rules)
	msg := msgFrom("user@host49.example", "subject", "")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		engine.Match(rules, msg)
	}
}
