// Package ruleengine evaluates classification rules against messages.
//
// A rule is an ordered set of conditions combined with AND or OR, plus an
// ordered set of actions applied when the conditions match. Rules carry a
// numeric priority (lower evaluates first) and an optional account scope;
// unscoped rules apply to every account.
//
// # Evaluation Model
//
// Rules are evaluated in ascending priority order and the first match
// wins: later rules are not consulted for that message. A rule with no
// conditions never matches.
//
//	rules := ruleengine.SortRules(all)
//	rule := engine.Match(rules, &ruleengine.Message{
//		Account: "bob@example.net",
//		Sender:  "noreply@vendor.example",
//		Subject: "Your invoice",
//		Content: "...",
//	})
//	if rule != nil {
//		// apply rule.Actions in order
//	}
//
// # Conditions
//
//   - sender_contains, sender_exact: substring / full match on the address
//   - sender_domain: match on the address domain
//   - subject_contains, subject_exact: substring / full match on the subject
//   - subject_regex: RE2 match; invalid patterns fail closed (never match)
//   - content_contains: substring match on the extracted plain text
//   - sender_in_list: membership in a named list; unknown lists evaluate
//     false rather than erroring
//
// Comparisons are case-insensitive unless the condition sets its
// case-sensitivity flag. Domain comparison is always case-insensitive.
//
// # Actions
//
//   - move_to_folder: file the message into a folder
//   - add_to_list: record the sender address on a named list
//   - forward: submit a copy to another address
//   - mark_read: set the \Seen flag, leaving the message in place
//
// The condition and action sets are closed: storage, validation, and
// evaluation all switch exhaustively over the kinds defined here.
package ruleengine
