// Package botframework receives Bot Framework activities, runs them against a
// Bot and sends the replies back through the connector.
package botframework

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"teams-file-bot/internal/auth"
	"teams-file-bot/internal/dedupe"
	"teams-file-bot/internal/domain"
)

const (
	errorValueType     = "https://www.botframework.com/schemas/error"
	textTurnError      = "The bot encountered an error or bug."
	textTurnErrorHint  = "To continue to run this bot, please fix the bot source code."
	continueEventName  = "ContinueConversation"
	turnErrorTraceName = "OnTurnError Trace"
)

var (
	ErrUnauthorized = errors.New("botframework: unauthorized")
	ErrBadActivity  = errors.New("botframework: malformed activity")
)

// Bot is the set of callbacks the adapter dispatches activities to.
type Bot interface {
	OnMessage(ctx context.Context, turn domain.Turn) error
	OnMembersAdded(ctx context.Context, turn domain.Turn, members []domain.ChannelAccount) error
	OnFileConsentAccept(ctx context.Context, turn domain.Turn, resp domain.FileConsentCardResponse) error
	OnFileConsentDecline(ctx context.Context, turn domain.Turn, resp domain.FileConsentCardResponse) error
}

// Connector is the connector REST surface used by the adapter.
// *connector.Client satisfies this interface.
type Connector interface {
	SendToConversation(ctx context.Context, serviceURL, conversationID string, a *domain.Activity) (string, error)
	ReplyToActivity(ctx context.Context, serviceURL, conversationID, activityID string, a *domain.Activity) (string, error)
	CreateConversation(ctx context.Context, serviceURL string, params domain.ConversationParameters) (domain.ConversationResource, error)
	GetPagedMembers(ctx context.Context, serviceURL, conversationID string, pageSize int, continuationToken string) (domain.PagedMembers, error)
}

// Adapter authenticates inbound activities, drops redeliveries and runs one
// turn per activity.
type Adapter struct {
	connector Connector
	verifier  auth.Verifier
	seen      *dedupe.Cache
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Adapter)

// WithVerifier enables bearer token validation. Without it every inbound
// activity is accepted, which is only suitable for the emulator.
func WithVerifier(v auth.Verifier) Option {
	return func(a *Adapter) { a.verifier = v }
}

func WithDedupe(c *dedupe.Cache) Option {
	return func(a *Adapter) {
		if c != nil {
			a.seen = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

func New(conn Connector, opts ...Option) (*Adapter, error) {
	if conn == nil {
		return nil, errors.New("botframework: connector must not be nil")
	}
	a := &Adapter{
		connector: conn,
		seen:      dedupe.New(0, 0),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "adapter")
	return a, nil
}

// ProcessInbound decodes and authenticates body and runs its turn. Invoke
// activities yield a non-nil response that must be returned to the caller.
// Errors raised by the bot are handled inside the turn; only ErrBadActivity
// and ErrUnauthorized are returned.
func (a *Adapter) ProcessInbound(ctx context.Context, body []byte, authHeader string, bot Bot) (*domain.InvokeResponse, error) {
	var act domain.Activity
	if err := json.Unmarshal(body, &act); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadActivity, err)
	}
	if act.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadActivity)
	}

	if a.verifier != nil {
		if _, err := a.verifier.Verify(ctx, authHeader, act.ServiceURL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}

	logger := a.logger.With("activity_id", act.ID, "type", act.Type, "channel", act.ChannelID)
	if a.seen.Seen(dedupeKey(&act)) {
		logger.Info("duplicate activity ignored", "tracked", a.seen.Len())
		if act.Type == domain.ActivityTypeInvoke {
			return &domain.InvokeResponse{Status: http.StatusOK}, nil
		}
		return nil, nil
	}

	turn := a.newTurn(&act)
	switch act.Type {
	case domain.ActivityTypeMessage:
		a.run(ctx, turn, logger, func(ctx context.Context) error {
			return bot.OnMessage(ctx, turn)
		})
		return nil, nil

	case domain.ActivityTypeConversationUpdate:
		if len(act.MembersAdded) > 0 {
			a.run(ctx, turn, logger, func(ctx context.Context) error {
				return bot.OnMembersAdded(ctx, turn, act.MembersAdded)
			})
		}
		return nil, nil

	case domain.ActivityTypeInvoke:
		return a.invoke(ctx, turn, logger, bot), nil

	default:
		logger.Debug("activity type not handled")
		return nil, nil
	}
}

func (a *Adapter) invoke(ctx context.Context, turn *turnContext, logger *slog.Logger, bot Bot) *domain.InvokeResponse {
	act := turn.act
	if act.Name != domain.InvokeNameFileConsent {
		logger.Info("invoke not implemented", "name", act.Name)
		return &domain.InvokeResponse{Status: http.StatusNotImplemented}
	}

	var resp domain.FileConsentCardResponse
	if err := json.Unmarshal(act.Value, &resp); err != nil {
		logger.Warn("file consent value not decodable", "err", err)
		return &domain.InvokeResponse{Status: http.StatusBadRequest}
	}

	switch resp.Action {
	case domain.ConsentActionAccept:
		a.run(ctx, turn, logger, func(ctx context.Context) error {
			return bot.OnFileConsentAccept(ctx, turn, resp)
		})
	case domain.ConsentActionDecline:
		a.run(ctx, turn, logger, func(ctx context.Context) error {
			return bot.OnFileConsentDecline(ctx, turn, resp)
		})
	default:
		logger.Warn("unknown file consent action", "action", resp.Action)
		return &domain.InvokeResponse{Status: http.StatusBadRequest}
	}
	return &domain.InvokeResponse{Status: http.StatusOK}
}

// run executes fn and hands any error or panic to the turn error handler.
func (a *Adapter) run(ctx context.Context, turn *turnContext, logger *slog.Logger, fn func(context.Context) error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in turn", "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	if err != nil {
		a.onTurnError(ctx, turn, logger, err)
	}
}

// onTurnError tells the user the turn failed. On the emulator the error is
// also sent as a trace activity.
func (a *Adapter) onTurnError(ctx context.Context, turn *turnContext, logger *slog.Logger, turnErr error) {
	logger.Error("unhandled error in turn", "err", turnErr)

	for _, text := range []string{textTurnError, textTurnErrorHint} {
		if _, err := turn.SendActivity(ctx, domain.NewMessage(text)); err != nil {
			logger.Error("failed to send turn error message", "err", err)
			return
		}
	}

	if turn.act.ChannelID != domain.ChannelEmulator {
		return
	}
	value, _ := json.Marshal(turnErr.Error())
	ts := a.now().UTC()
	trace := &domain.Activity{
		Type:      domain.ActivityTypeTrace,
		Name:      turnErrorTraceName,
		Label:     "TurnError",
		Timestamp: &ts,
		Value:     value,
		ValueType: errorValueType,
	}
	if _, err := turn.SendActivity(ctx, trace); err != nil {
		logger.Error("failed to send turn error trace", "err", err)
	}
}

// ContinueConversation runs fn in a turn addressed by ref, without an inbound
// activity. Replies are posted as new activities in the conversation.
func (a *Adapter) ContinueConversation(ctx context.Context, ref domain.ConversationReference, fn domain.TurnFunc) error {
	if ref.Conversation == nil || ref.Conversation.ID == "" || ref.ServiceURL == "" {
		return fmt.Errorf("botframework: incomplete conversation reference for user %q", ref.UserID())
	}
	ref.ActivityID = ""
	act := &domain.Activity{Type: domain.ActivityTypeEvent, Name: continueEventName, ID: uuid.NewString()}
	ref.Apply(act, true)
	return fn(ctx, &turnContext{adapter: a, act: act, ref: ref})
}

func (a *Adapter) CreateConversation(ctx context.Context, serviceURL string, params domain.ConversationParameters) (domain.ConversationResource, error) {
	return a.connector.CreateConversation(ctx, serviceURL, params)
}

func (a *Adapter) GetPagedMembers(ctx context.Context, serviceURL, conversationID string, pageSize int, continuationToken string) (domain.PagedMembers, error) {
	return a.connector.GetPagedMembers(ctx, serviceURL, conversationID, pageSize, continuationToken)
}

func dedupeKey(act *domain.Activity) string {
	if act.ID == "" {
		return ""
	}
	conv := ""
	if act.Conversation != nil {
		conv = act.Conversation.ID
	}
	return act.ChannelID + "|" + conv + "|" + act.ID
}
