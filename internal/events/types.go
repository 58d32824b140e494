// Package events provides the pub/sub bus the presentation layer listens on
// for rule outcomes.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	EventRuleCreated    EventType = "rule.created"
	EventRuleDeleted    EventType = "rule.deleted"
	EventRuleEdited     EventType = "rule.edited"
	EventRuleToggled    EventType = "rule.toggled"
	EventRuleDuplicate  EventType = "rule.duplicate"
	EventRuleFailed     EventType = "rule.failed"
	EventRulesSeeded    EventType = "rule.seeded"
	EventRulesReconcile EventType = "rule.reconciled"
)

const sourceSync = "rulesync"

// Event is the message passed through the hub. Seq increases by one per
// published event.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// RuleEventData is the payload of every rule event: which operation, which
// rule, and for failures the cause to show the user.
type RuleEventData struct {
	OpID      string `json:"op_id"`
	Op        string `json:"op"`
	RuleID    int    `json:"rule_id,omitempty"`
	Parameter string `json:"parameter,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Group     string `json:"group,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Category  string `json:"category,omitempty"`
}

// BulkEventData summarizes seed and reconcile runs.
type BulkEventData struct {
	OpID    string `json:"op_id"`
	Op      string `json:"op"`
	Added   int    `json:"added"`
	Removed int    `json:"removed,omitempty"`
	Skipped int    `json:"skipped,omitempty"`
	Failed  int    `json:"failed,omitempty"`
}
