package mqtt

import "strings"

// DefaultTopicPrefix is used when the configured prefix is empty.
const DefaultTopicPrefix = "authcore"

// Topics builds authcore topic names under a configurable prefix.
//
//	topics := mqtt.NewTopics("authcore")
//	topics.Audit("DENIED") // "authcore/audit/denied"
type Topics struct {
	prefix string
}

// NewTopics returns a builder for prefix (trailing slashes are trimmed).
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// Audit returns the topic an access decision with the given outcome is published on.
//
// Example: authcore/audit/allowed
func (t Topics) Audit(outcome string) string {
	return t.Prefix() + "/audit/" + strings.ToLower(outcome)
}

// AllAudit matches every audit topic.
//
// Pattern: authcore/audit/#
func (t Topics) AllAudit() string {
	return t.Prefix() + "/audit/#"
}

// Alerts returns the operational alert topic.
//
// Example: authcore/system/alerts
func (t Topics) Alerts() string {
	return t.Prefix() + "/system/alerts"
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: authcore/system/status
func (t Topics) SystemStatus() string {
	return t.Prefix() + "/system/status"
}
