package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"teams-file-bot/internal/domain"
)

const (
	defaultReportFile   = "report.xlsx"
	defaultTemplateFile = "report_template.csv"
	mentionEntityType   = "mention"
)

// Engine runs the per-user dialogue. Each message is classified on its own;
// no dialogue state is kept between turns.
type Engine struct {
	dir          Directory
	transfer     *Transfer
	broadcast    *Broadcaster
	reportFile   string
	templateFile string
	now          func() time.Time
	logger       *slog.Logger
}

type EngineOption func(*Engine)

func WithReportFile(name string) EngineOption {
	return func(e *Engine) {
		if name = strings.TrimSpace(name); name != "" {
			e.reportFile = name
		}
	}
}

func WithTemplateFile(name string) EngineOption {
	return func(e *Engine) {
		if name = strings.TrimSpace(name); name != "" {
			e.templateFile = name
		}
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(dir Directory, transfer *Transfer, broadcast *Broadcaster, opts ...EngineOption) (*Engine, error) {
	if dir == nil {
		return nil, errors.New("usecase: directory must not be nil")
	}
	if transfer == nil {
		return nil, errors.New("usecase: transfer must not be nil")
	}
	if broadcast == nil {
		return nil, errors.New("usecase: broadcaster must not be nil")
	}
	e := &Engine{
		dir:          dir,
		transfer:     transfer,
		broadcast:    broadcast,
		reportFile:   defaultReportFile,
		templateFile: defaultTemplateFile,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "dialog")
	return e, nil
}

// OnMessage handles a message activity.
func (e *Engine) OnMessage(ctx context.Context, turn domain.Turn) error {
	a := turn.Activity()
	e.record(ctx, domain.ReferenceOf(a))

	text := stripBotMention(a)
	intent := Classify(a, text)
	e.logger.Debug("message classified", "intent", intent.String(), "activity_id", a.ID)

	switch intent {
	case IntentFileUploaded:
		return e.receiveTemplate(ctx, turn, a.Attachments[0])
	case IntentHello:
		return send(ctx, turn, reportOfferPrompt())
	case IntentMessageAllMembers:
		if _, err := e.broadcast.MessageAllMembers(ctx, turn); err != nil {
			return err
		}
		return send(ctx, turn, domain.NewMessage(textAllMessagesSent))
	case IntentShowReport:
		if _, err := e.transfer.Offer(ctx, turn, e.reportFile); err != nil {
			return err
		}
		return send(ctx, turn, domain.NewMarkupMessage(textAskSettings))
	case IntentDeclineReport:
		return send(ctx, turn, domain.NewMarkupMessage(textDeclinedReport))
	case IntentUpdateParameters:
		if _, err := e.transfer.Offer(ctx, turn, e.templateFile); err != nil {
			return err
		}
		return send(ctx, turn, domain.NewMarkupMessage(textUploadTemplate))
	case IntentUpdateOptions:
		return send(ctx, turn, domain.NewMarkupMessage(textAskThreshold))
	case IntentSettings:
		return send(ctx, turn, settingsPrompt())
	case IntentThreshold:
		return send(ctx, turn, domain.NewMarkupMessage(thresholdText(strings.TrimSpace(text))))
	case IntentGreeting:
		return e.greet(ctx, turn, senderName(a))
	default:
		return send(ctx, turn, domain.NewMessage(textFallback))
	}
}

// OnMembersAdded records and greets every member other than the bot.
func (e *Engine) OnMembersAdded(ctx context.Context, turn domain.Turn, members []domain.ChannelAccount) error {
	a := turn.Activity()
	for _, m := range members {
		if m.ID == "" || (a.Recipient != nil && m.ID == a.Recipient.ID) {
			continue
		}
		e.record(ctx, domain.ReferenceFor(a, m))
		if err := e.greet(ctx, turn, m.Name); err != nil {
			return err
		}
	}
	return nil
}

// OnFileConsentAccept uploads the accepted file.
func (e *Engine) OnFileConsentAccept(ctx context.Context, turn domain.Turn, resp domain.FileConsentCardResponse) error {
	state, err := e.transfer.Accept(ctx, turn, resp)
	e.logger.Info("file consent accepted", "state", state.String())
	return err
}

// OnFileConsentDecline acknowledges a declined upload.
func (e *Engine) OnFileConsentDecline(ctx context.Context, turn domain.Turn, resp domain.FileConsentCardResponse) error {
	state, err := e.transfer.Decline(ctx, turn, resp)
	e.logger.Info("file consent declined", "state", state.String())
	return err
}

func (e *Engine) record(ctx context.Context, ref domain.ConversationReference) {
	userID := ref.UserID()
	if userID == "" || ref.Conversation == nil || ref.ServiceURL == "" {
		return
	}
	isNew, err := e.dir.Put(ctx, userID, ref)
	if err != nil {
		e.logger.Warn("failed to record conversation reference", "user_id", userID, "err", err)
		return
	}
	if isNew {
		e.logger.Info("new conversation reference", "user_id", userID, "conversation_id", ref.Conversation.ID)
	}
}

func (e *Engine) greet(ctx context.Context, turn domain.Turn, name string) error {
	if err := send(ctx, turn, domain.NewMarkupMessage(greetingText(name, e.now()))); err != nil {
		return err
	}
	return send(ctx, turn, reportOfferPrompt())
}

func (e *Engine) receiveTemplate(ctx context.Context, turn domain.Turn, att domain.Attachment) error {
	file, err := e.transfer.Receive(ctx, att)
	if err == nil {
		return send(ctx, turn, domain.NewMarkupMessage(templateUpdatedText(file.Name, file.Columns)))
	}

	reason := ReasonOf(err)
	e.logger.Warn("template upload not applied", append([]any{"file", att.Name, "reason", reason}, errorAttrs(err)...)...)
	switch reason {
	case "template_invalid", "file_too_large":
		return send(ctx, turn, domain.NewMarkupMessage(templateInvalidText(att.Name, templateProblem(err))))
	case "invalid_attachment":
		return send(ctx, turn, domain.NewMessage(invalidAttachmentText(att.Name)))
	default:
		return send(ctx, turn, domain.NewMessage(downloadFailedText(att.Name)))
	}
}

func send(ctx context.Context, turn domain.Turn, a *domain.Activity) error {
	if _, err := turn.SendActivity(ctx, a); err != nil {
		return newError(ErrorUpstream, "send_reply", err)
	}
	return nil
}

func senderName(a *domain.Activity) string {
	if a.From == nil {
		return ""
	}
	return a.From.Name
}

// stripBotMention removes "<at>Bot</at>" mentions of the bot from the text of
// channel messages.
func stripBotMention(a *domain.Activity) string {
	text := a.Text
	if a.Recipient == nil {
		return strings.TrimSpace(text)
	}
	for _, ent := range a.Entities {
		if !strings.EqualFold(ent.Type, mentionEntityType) || ent.Mentioned == nil || ent.Mentioned.ID != a.Recipient.ID {
			continue
		}
		mention := ent.Text
		if mention == "" && ent.Mentioned.Name != "" {
			mention = "<at>" + ent.Mentioned.Name + "</at>"
		}
		if mention != "" {
			text = strings.ReplaceAll(text, mention, "")
		}
	}
	return strings.TrimSpace(text)
}
