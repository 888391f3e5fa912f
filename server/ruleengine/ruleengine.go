package ruleengine

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mailfold/mailfold/helpers"
	"github.com/mailfold/mailfold/logger"
)

type ConditionKind string

const (
	CondSenderContains  ConditionKind = "sender_contains"
	CondSenderDomain    ConditionKind = "sender_domain"
	CondSenderExact     ConditionKind = "sender_exact"
	CondSubjectContains ConditionKind = "subject_contains"
	CondSubjectExact    ConditionKind = "subject_exact"
	CondSubjectRegex    ConditionKind = "subject_regex"
	CondContentContains ConditionKind = "content_contains"
	CondSenderInList    ConditionKind = "sender_in_list"
)

type ActionKind string

const (
	ActionMoveToFolder ActionKind = "move_to_folder"
	ActionAddToList    ActionKind = "add_to_list"
	ActionForward      ActionKind = "forward"
	ActionMarkRead     ActionKind = "mark_read"
)

// ConditionMode combines a rule's conditions.
type ConditionMode string

const (
	ModeAnd ConditionMode = "and"
	ModeOr  ConditionMode = "or"
)

// Condition tests one message property against a value.
type Condition struct {
	Kind          ConditionKind
	Value         string
	CaseSensitive bool
}

// Action is one effect of a matched rule. Value holds the folder, list
// name, or forward address; mark_read carries none.
type Action struct {
	Kind  ActionKind
	Value string
}

// Rule is a stored classification rule.
type Rule struct {
	ID          string
	Account     string // empty applies to all accounts
	Name        string
	Description string
	Priority    int
	Active      bool
	Mode        ConditionMode
	Conditions  []Condition
	Actions     []Action
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is the view of a message the engine evaluates. Sender is the
// bare lowercased address; Content is the extracted plain text.
type Message struct {
	Account string
	Sender  string
	Subject string
	Content string
}

// ListResolver answers sender_in_list conditions. Lookups are in-memory
// and infallible; unknown list names return false.
type ListResolver interface {
	Contains(account, listName, address string) bool
}

// Engine evaluates rules. It caches compiled subject_regex patterns,
// including a negative entry for patterns that fail to compile so they
// are rejected once and fail closed afterwards.
type Engine struct {
	lists ListResolver

	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp
}

func NewEngine(lists ListResolver) *Engine {
	return &Engine{
		lists:   lists,
		regexes: make(map[string]*regexp.Regexp),
	}
}

// SortRules orders rules for evaluation: ascending priority, then
// creation time, then ID for a stable total order.
func SortRules(rules []*Rule) []*Rule {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// Match returns the first rule matching the message, or nil. Rules must
// already be sorted; inactive rules and rules scoped to other accounts
// are skipped.
func (e *Engine) Match(rules []*Rule, msg *Message) *Rule {
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if rule.Account != "" && !strings.EqualFold(rule.Account, msg.Account) {
			continue
		}
		if e.ruleMatches(rule, msg) {
			return rule
		}
	}
	return nil
}

func (e *Engine) ruleMatches(rule *Rule, msg *Message) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, cond := range rule.Conditions {
		matched := e.conditionMatches(cond, msg)
		if rule.Mode == ModeOr {
			if matched {
				return true
			}
		} else if !matched {
			return false
		}
	}
	return rule.Mode != ModeOr
}

func (e *Engine) conditionMatches(cond Condition, msg *Message) bool {
	switch cond.Kind {
	case CondSenderContains:
		return contains(msg.Sender, cond.Value, cond.CaseSensitive)
	case CondSenderDomain:
		domain := helpers.AddressDomain(msg.Sender)
		return domain != "" && strings.EqualFold(domain, cond.Value)
	case CondSenderExact:
		return equals(msg.Sender, cond.Value, cond.CaseSensitive)
	case CondSubjectContains:
		return contains(msg.Subject, cond.Value, cond.CaseSensitive)
	case CondSubjectExact:
		return equals(msg.Subject, cond.Value, cond.CaseSensitive)
	case CondSubjectRegex:
		re := e.compile(cond.Value, cond.CaseSensitive)
		return re != nil && re.MatchString(msg.Subject)
	case CondContentContains:
		return contains(msg.Content, cond.Value, cond.CaseSensitive)
	case CondSenderInList:
		return e.lists != nil && e.lists.Contains(msg.Account, cond.Value, msg.Sender)
	}
	return false
}

// compile returns the cached pattern, or nil for patterns that do not
// compile. Invalid patterns fail closed.
func (e *Engine) compile(pattern string, caseSensitive bool) *regexp.Regexp {
	key := pattern
	if !caseSensitive {
		key = "(?i)" + pattern
	}

	e.mu.RLock()
	re, ok := e.regexes[key]
	e.mu.RUnlock()
	if ok {
		return re
	}

	compiled, err := regexp.Compile(key)
	if err != nil {
		logger.Warn("[RULES] invalid subject_regex pattern, treating as non-match", "pattern", pattern, "error", err)
		compiled = nil
	}

	e.mu.Lock()
	e.regexes[key] = compiled
	e.mu.Unlock()
	return compiled
}

func contains(haystack, needle string, caseSensitive bool) bool {
	if needle == "" {
		return false
	}
	if caseSensitive {
		return strings.Contains(haystack, needle)
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func equals(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}
