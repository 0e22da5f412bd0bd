package models

import (
	"encoding/json"
	"time"
)

// ChannelType names the platform a conversation arrived on. The core does not
// interpret it beyond scoping conversations.
type ChannelType string

const (
	ChannelWeb      ChannelType = "web"
	ChannelSlack    ChannelType = "slack"
	ChannelTelegram ChannelType = "telegram"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelEmail    ChannelType = "email"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type in a model request.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartyType distinguishes end users from the bot.
type PartyType string

const (
	PartyUser PartyType = "user"
	PartyBot  PartyType = "bot"
)

// Party is a sender or recipient of a message.
type Party struct {
	Type        PartyType `json:"type"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name,omitempty"`
}

// ContentType is the typed payload kind of a message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentOther ContentType = "other"
)

// Content is the message payload.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text"`
}

// CanonicalMessage is the channel-independent message the boundary layer
// hands to the engine, and the shape of the reply it gets back.
type CanonicalMessage struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	ConversationID  string         `json:"conversation_id"`
	Channel         ChannelType    `json:"channel"`
	ThreadID        string         `json:"thread_id,omitempty"` // external thread identifier
	SourceMessageID string         `json:"source_message_id,omitempty"`
	Direction       Direction      `json:"direction"`
	From            Party          `json:"from"`
	To              Party          `json:"to"`
	Content         Content        `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Text returns the text content of the message.
func (m *CanonicalMessage) Text() string {
	if m == nil {
		return ""
	}
	return m.Content.Text
}

// FromBot reports whether the message was authored by the bot.
func (m *CanonicalMessage) FromBot() bool {
	return m != nil && m.From.Type == PartyBot
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution as fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Conversation is a tenant-scoped thread on one channel. Conversations are
// created on the first message of a thread and never deleted by the engine.
type Conversation struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Channel        ChannelType    `json:"channel"`
	ExternalThread string         `json:"external_thread"`
	MessageCount   int            `json:"message_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ChatMessage is one entry of a model conversation. Assistant messages may
// carry tool calls; tool messages carry the results for those calls.
type ChatMessage struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}
