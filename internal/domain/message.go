package domain

import (
	"time"
)

// Origin identifies who authored a history message.
type Origin string

const (
	// OriginAgent marks messages produced by the agent itself.
	OriginAgent Origin = "Agent"
	// OriginOwner marks prompts sent by the owner.
	OriginOwner Origin = "Owner"
	// OriginSystem marks system-injected messages.
	OriginSystem Origin = "System"
)

// CustomMessage is a single entry of an agent's history, as stored by the registry.
type CustomMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Origin    Origin `json:"origin"`
	Timestamp string `json:"timestamp"`
}

// timestampLayouts are the accepted ISO-8601 forms. Values without an offset
// are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Time parses the ISO-8601 timestamp.
func (m CustomMessage) Time() (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		var ts time.Time
		if ts, err = time.Parse(layout, m.Timestamp); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}
