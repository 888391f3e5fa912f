package ruleengine

import (
	"fmt"
	"regexp"
	"strings"
)

// ParseConditionKind validates a stored or submitted condition kind.
func ParseConditionKind(s string) (ConditionKind, error) {
	switch ConditionKind(s) {
	case CondSenderContains, CondSenderDomain, CondSenderExact,
		CondSubjectContains, CondSubjectExact, CondSubjectRegex,
		CondContentContains, CondSenderInList:
		return ConditionKind(s), nil
	}
	return "", fmt.Errorf("unknown condition kind %q", s)
}

// ParseActionKind validates a stored or submitted action kind.
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(s) {
	case ActionMoveToFolder, ActionAddToList, ActionForward, ActionMarkRead:
		return ActionKind(s), nil
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// ParseConditionMode validates a condition combinator, defaulting empty
// input to AND.
func ParseConditionMode(s string) (ConditionMode, error) {
	switch ConditionMode(s) {
	case ModeAnd, ModeOr:
		return ConditionMode(s), nil
	case "":
		return ModeAnd, nil
	}
	return "", fmt.Errorf("unknown condition mode %q", s)
}

// ValidateRule checks a rule before it is stored. Evaluation still fails
// closed on bad patterns that bypass this check.
func ValidateRule(rule *Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if _, err := ParseConditionMode(string(rule.Mode)); err != nil {
		return err
	}
	if len(rule.Conditions) == 0 {
		return fmt.Errorf("rule %q has no conditions", rule.Name)
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("rule %q has no actions", rule.Name)
	}

	for i, cond := range rule.Conditions {
		if _, err := ParseConditionKind(string(cond.Kind)); err != nil {
			return fmt.Errorf("condition %d: %w", i+1, err)
		}
		if strings.TrimSpace(cond.Value) == "" {
			return fmt.Errorf("condition %d (%s): value is required", i+1, cond.Kind)
		}
		if cond.Kind == CondSubjectRegex {
			pattern := cond.Value
			if !cond.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("condition %d: invalid pattern %q: %v", i+1, cond.Value, err)
			}
		}
	}

	for i, action := range rule.Actions {
		if _, err := ParseActionKind(string(action.Kind)); err != nil {
			return fmt.Errorf("action %d: %w", i+1, err)
		}
		switch action.Kind {
		case ActionMoveToFolder, ActionAddToList:
			if strings.TrimSpace(action.Value) == "" {
				return fmt.Errorf("action %d (%s): value is required", i+1, action.Kind)
			}
		case ActionForward:
			if !strings.Contains(action.Value, "@") {
				return fmt.Errorf("action %d: forward address %q is not an email address", i+1, action.Value)
			}
		}
	}
	return nil
}
