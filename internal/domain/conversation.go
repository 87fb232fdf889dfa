package domain

// ConversationReference is the routing handle needed to resume a conversation
// without a fresh inbound activity.
type ConversationReference struct {
	ActivityID   string               `json:"activityId,omitempty"`
	User         *ChannelAccount      `json:"user,omitempty"`
	Bot          *ChannelAccount      `json:"bot,omitempty"`
	Conversation *ConversationAccount `json:"conversation,omitempty"`
	ChannelID    string               `json:"channelId"`
	Locale       string               `json:"locale,omitempty"`
	ServiceURL   string               `json:"serviceUrl"`
}

// UserID returns the id of the referenced user, or "" when unknown.
func (r ConversationReference) UserID() string {
	if r.User == nil {
		return ""
	}
	return r.User.ID
}

// UserName returns the display name of the referenced user.
func (r ConversationReference) UserName() string {
	if r.User == nil {
		return ""
	}
	return r.User.Name
}

// ReferenceOf captures the conversation reference of an inbound activity.
// The returned value shares no pointers with the activity.
func ReferenceOf(a *Activity) ConversationReference {
	ref := ConversationReference{
		ActivityID: a.ID,
		ChannelID:  a.ChannelID,
		Locale:     a.Locale,
		ServiceURL: a.ServiceURL,
	}
	if a.From != nil {
		u := *a.From
		ref.User = &u
	}
	if a.Recipient != nil {
		b := *a.Recipient
		ref.Bot = &b
	}
	if a.Conversation != nil {
		c := *a.Conversation
		ref.Conversation = &c
	}
	return ref
}

// ReferenceFor captures a reference for a member of the conversation the
// activity belongs to, e.g. a newly added member.
func ReferenceFor(a *Activity, member ChannelAccount) ConversationReference {
	ref := ReferenceOf(a)
	ref.User = &member
	return ref
}

// Apply fills the routing fields of an outbound activity from the reference.
// The bot becomes the sender and the referenced user the recipient.
func (r ConversationReference) Apply(a *Activity, incoming bool) {
	a.ChannelID = r.ChannelID
	a.ServiceURL = r.ServiceURL
	if r.Conversation != nil {
		c := *r.Conversation
		a.Conversation = &c
	}
	if a.Locale == "" {
		a.Locale = r.Locale
	}
	if incoming {
		a.From = cloneAccount(r.User)
		a.Recipient = cloneAccount(r.Bot)
		if r.ActivityID != "" {
			a.ID = r.ActivityID
		}
		return
	}
	a.From = cloneAccount(r.Bot)
	a.Recipient = cloneAccount(r.User)
	if r.ActivityID != "" && a.ReplyToID == "" {
		a.ReplyToID = r.ActivityID
	}
}

func cloneAccount(a *ChannelAccount) *ChannelAccount {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// ConversationParameters describe a conversation the bot asks the connector to create.
type ConversationParameters struct {
	IsGroup     bool             `json:"isGroup"`
	Bot         *ChannelAccount  `json:"bot,omitempty"`
	Members     []ChannelAccount `json:"members,omitempty"`
	TopicName   string           `json:"topicName,omitempty"`
	TenantID    string           `json:"tenantId,omitempty"`
	Activity    *Activity        `json:"activity,omitempty"`
	ChannelData any              `json:"channelData,omitempty"`
}

// ConversationResource is the connector's answer to a create-conversation call.
type ConversationResource struct {
	ID         string `json:"id"`
	ActivityID string `json:"activityId,omitempty"`
	ServiceURL string `json:"serviceUrl,omitempty"`
}

// PagedMembers is one page of a conversation roster.
type PagedMembers struct {
	ContinuationToken string           `json:"continuationToken,omitempty"`
	Members           []ChannelAccount `json:"members"`
}
