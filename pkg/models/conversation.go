package models

import "time"

// ConversationMessage is one turn of a customer-service conversation.
type ConversationMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ConversationMeta carries the derived attributes the sampling query may
// filter on.
type ConversationMeta struct {
	UserState     string   `json:"userState,omitempty"`
	NumberOfTurns int      `json:"numberOfTurns,omitempty"`
	Category      string   `json:"category,omitempty"`
	Intent        string   `json:"intent,omitempty"`
	Flags         []string `json:"flags,omitempty"`
}

// Conversation is the store entity the agent reads and classifies. The
// agent owns only the Classification field; everything else is written by
// the ingestion pipeline.
type Conversation struct {
	ID             string                `json:"id"`
	CreatedAt      time.Time             `json:"created_at"`
	Messages       []ConversationMessage `json:"messages"`
	Summary        string                `json:"summary,omitempty"`
	Labels         []string              `json:"labels,omitempty"`
	Resolved       bool                  `json:"resolved"`
	Classification *Classification       `json:"classification,omitempty"`
	Meta           ConversationMeta      `json:"meta"`
	Version        int                   `json:"version"`
}

// Preview returns a compact map used as the opaque payload of approval
// request events.
func (c Conversation) Preview() map[string]any {
	preview := map[string]any{
		"id":       c.ID,
		"turns":    len(c.Messages),
		"category": c.Meta.Category,
	}
	if c.Summary != "" {
		summary := c.Summary
		if len(summary) > 200 {
			summary = summary[:200] + "..."
		}
		preview["summary"] = summary
	}
	return preview
}
