package domain

import (
	"encoding/json"
	"time"
)

// Activity types understood by the bot.
const (
	ActivityTypeMessage            = "message"
	ActivityTypeConversationUpdate = "conversationUpdate"
	ActivityTypeInvoke             = "invoke"
	ActivityTypeEvent              = "event"
	ActivityTypeInvokeResponse     = "invokeResponse"
	ActivityTypeTrace              = "trace"
)

// Attachment content types used by Teams file exchange and cards.
const (
	ContentTypeFileConsentCard  = "application/vnd.microsoft.teams.card.file.consent"
	ContentTypeFileInfoCard     = "application/vnd.microsoft.teams.card.file.info"
	ContentTypeFileDownloadInfo = "application/vnd.microsoft.teams.file.download.info"
	ContentTypeHeroCard         = "application/vnd.microsoft.card.hero"
)

// TextFormatXML marks message text as Teams-flavoured markup (<b>, <pre>).
const TextFormatXML = "xml"

// ChannelEmulator is the channel id reported by the Bot Framework Emulator.
const ChannelEmulator = "emulator"

// ChannelAccount identifies a user or bot on a channel.
type ChannelAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
	Role        string `json:"role,omitempty"`
}

// ConversationAccount identifies a conversation on a channel.
type ConversationAccount struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	IsGroup          bool   `json:"isGroup,omitempty"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
}

// Attachment is a card or file reference carried by an activity.
type Attachment struct {
	ContentType  string          `json:"contentType"`
	ContentURL   string          `json:"contentUrl,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Name         string          `json:"name,omitempty"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
}

// Entity is a loosely typed activity entity such as a mention.
type Entity struct {
	Type      string          `json:"type"`
	Mentioned *ChannelAccount `json:"mentioned,omitempty"`
	Text      string          `json:"text,omitempty"`
}

// Activity is one inbound or outbound unit of conversation exchange.
type Activity struct {
	Type             string               `json:"type"`
	ID               string               `json:"id,omitempty"`
	Timestamp        *time.Time           `json:"timestamp,omitempty"`
	ServiceURL       string               `json:"serviceUrl,omitempty"`
	ChannelID        string               `json:"channelId,omitempty"`
	From             *ChannelAccount      `json:"from,omitempty"`
	Conversation     *ConversationAccount `json:"conversation,omitempty"`
	Recipient        *ChannelAccount      `json:"recipient,omitempty"`
	TextFormat       string               `json:"textFormat,omitempty"`
	Text             string               `json:"text,omitempty"`
	Locale           string               `json:"locale,omitempty"`
	Attachments      []Attachment         `json:"attachments,omitempty"`
	AttachmentLayout string               `json:"attachmentLayout,omitempty"`
	SuggestedActions *SuggestedActions    `json:"suggestedActions,omitempty"`
	Entities         []Entity             `json:"entities,omitempty"`
	ChannelData      json.RawMessage      `json:"channelData,omitempty"`
	ReplyToID        string               `json:"replyToId,omitempty"`
	MembersAdded     []ChannelAccount     `json:"membersAdded,omitempty"`
	MembersRemoved   []ChannelAccount     `json:"membersRemoved,omitempty"`
	Name             string               `json:"name,omitempty"`
	Label            string               `json:"label,omitempty"`
	Value            json.RawMessage      `json:"value,omitempty"`
	ValueType        string               `json:"valueType,omitempty"`
}

// NewMessage builds a plain message activity.
func NewMessage(text string) *Activity {
	return &Activity{Type: ActivityTypeMessage, Text: text}
}

// NewMarkupMessage builds a message whose text uses Teams markup.
func NewMarkupMessage(text string) *Activity {
	return &Activity{Type: ActivityTypeMessage, Text: text, TextFormat: TextFormatXML}
}

// HasText reports whether the activity carries non-blank text.
func (a *Activity) HasText() bool {
	for _, r := range a.Text {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

// TenantID extracts the Teams tenant id from channel data, falling back to the
// conversation account.
func (a *Activity) TenantID() string {
	if len(a.ChannelData) > 0 {
		var cd struct {
			Tenant struct {
				ID string `json:"id"`
			} `json:"tenant"`
		}
		if err := json.Unmarshal(a.ChannelData, &cd); err == nil && cd.Tenant.ID != "" {
			return cd.Tenant.ID
		}
	}
	if a.Conversation != nil {
		return a.Conversation.TenantID
	}
	return ""
}

// TeamID returns the Teams team id from channel data, or "" outside a team.
func (a *Activity) TeamID() string {
	if len(a.ChannelData) == 0 {
		return ""
	}
	var cd struct {
		Team struct {
			ID string `json:"id"`
		} `json:"team"`
	}
	if err := json.Unmarshal(a.ChannelData, &cd); err != nil {
		return ""
	}
	return cd.Team.ID
}

// InvokeResponse is returned to the connector for invoke activities.
type InvokeResponse struct {
	Status int `json:"status"`
	Body   any `json:"body,omitempty"`
}
