package botframework

import (
	"context"
	"errors"

	"teams-file-bot/internal/domain"
)

// turnContext addresses outgoing activities to the conversation of the
// activity being processed.
type turnContext struct {
	adapter *Adapter
	act     *domain.Activity
	ref     domain.ConversationReference
}

func (a *Adapter) newTurn(act *domain.Activity) *turnContext {
	return &turnContext{adapter: a, act: act, ref: domain.ReferenceOf(act)}
}

func (t *turnContext) Activity() *domain.Activity { return t.act }

// SendActivity replies to the inbound activity when there is one and posts to
// the conversation otherwise. The caller's activity is not modified.
func (t *turnContext) SendActivity(ctx context.Context, a *domain.Activity) (string, error) {
	if a == nil {
		return "", errors.New("botframework: nil activity")
	}
	out := *a
	t.ref.Apply(&out, false)
	if out.Conversation == nil || out.Conversation.ID == "" {
		return "", errors.New("botframework: activity has no conversation")
	}

	conn := t.adapter.connector
	if out.ReplyToID != "" {
		return conn.ReplyToActivity(ctx, out.ServiceURL, out.Conversation.ID, out.ReplyToID, &out)
	}
	return conn.SendToConversation(ctx, out.ServiceURL, out.Conversation.ID, &out)
}
