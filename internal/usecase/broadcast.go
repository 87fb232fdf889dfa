package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"teams-file-bot/internal/directory"
	"teams-file-bot/internal/domain"
)

const (
	defaultBroadcastConcurrency = 8
	defaultMemberPageSize       = 50
	defaultMemberPageTimeout    = 15 * time.Second
)

// Directory is the conversation directory as seen by the dialog and the
// broadcaster. *directory.Directory satisfies this interface.
type Directory interface {
	Put(ctx context.Context, userID string, ref domain.ConversationReference) (bool, error)
	Has(userID string) bool
	All() []directory.Entry
}

// Gateway sends activities outside of an inbound turn.
type Gateway interface {
	ContinueConversation(ctx context.Context, ref domain.ConversationReference, fn domain.TurnFunc) error
	CreateConversation(ctx context.Context, serviceURL string, params domain.ConversationParameters) (domain.ConversationResource, error)
	GetPagedMembers(ctx context.Context, serviceURL, conversationID string, pageSize int, continuationToken string) (domain.PagedMembers, error)
}

// DeliveryFailure records why one recipient did not get the message.
type DeliveryFailure struct {
	UserID string
	Err    error
}

// BroadcastReport summarises one fan-out. Attempted == Delivered + Failed.
type BroadcastReport struct {
	Attempted int
	Delivered int
	Failed    int
	Failures  []DeliveryFailure
}

type reportCollector struct {
	mu     sync.Mutex
	report BroadcastReport
}

func (c *reportCollector) record(userID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Attempted++
	if err != nil {
		c.report.Failed++
		c.report.Failures = append(c.report.Failures, DeliveryFailure{UserID: userID, Err: err})
		return
	}
	c.report.Delivered++
}

func (c *reportCollector) snapshot() BroadcastReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.report
	r.Failures = append([]DeliveryFailure(nil), c.report.Failures...)
	return r
}

// Broadcaster sends the report offer to many users at once.
type Broadcaster struct {
	dir         Directory
	gateway     Gateway
	concurrency int
	pageSize    int
	pageTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type BroadcastOption func(*Broadcaster)

func WithConcurrency(n int) BroadcastOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

func WithMemberPageSize(n int) BroadcastOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.pageSize = n
		}
	}
}

func WithMemberPageTimeout(d time.Duration) BroadcastOption {
	return func(b *Broadcaster) {
		if d > 0 {
			b.pageTimeout = d
		}
	}
}

func WithBroadcastClock(now func() time.Time) BroadcastOption {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

func WithBroadcastLogger(l *slog.Logger) BroadcastOption {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

func NewBroadcaster(dir Directory, gw Gateway, opts ...BroadcastOption) (*Broadcaster, error) {
	if dir == nil {
		return nil, errors.New("usecase: directory must not be nil")
	}
	if gw == nil {
		return nil, errors.New("usecase: gateway must not be nil")
	}
	b := &Broadcaster{
		dir:         dir,
		gateway:     gw,
		concurrency: defaultBroadcastConcurrency,
		pageSize:    defaultMemberPageSize,
		pageTimeout: defaultMemberPageTimeout,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "broadcast")
	return b, nil
}

// NotifyAll resumes every conversation in the directory and sends the report
// offer card. A failed entry is recorded in the report and never stops the
// others. The returned error is non-nil only when ctx ended.
func (b *Broadcaster) NotifyAll(ctx context.Context) (BroadcastReport, error) {
	entries := b.dir.All()
	collector := &reportCollector{}

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			err := b.sendOffer(ctx, entry.Reference)
			if err != nil {
				b.logger.Warn("notify failed", append([]any{"user_id", entry.UserID}, errorAttrs(err)...)...)
			}
			collector.record(entry.UserID, err)
			return nil
		})
	}
	_ = g.Wait()

	report := collector.snapshot()
	b.logger.Info("notify finished", "attempted", report.Attempted, "delivered", report.Delivered, "failed", report.Failed)
	return report, ctx.Err()
}

func (b *Broadcaster) sendOffer(ctx context.Context, ref domain.ConversationReference) error {
	card, err := reportOfferCard(ref.UserName(), b.now())
	if err != nil {
		return err
	}
	return b.gateway.ContinueConversation(ctx, ref, func(ctx context.Context, turn domain.Turn) error {
		_, err := turn.SendActivity(ctx, card)
		return err
	})
}

// MessageAllMembers walks the roster of the turn's team or conversation page
// by page. Every member the directory does not know yet gets a new one-to-one
// conversation, the report offer card, and a directory entry. Members are
// handed to their tasks by value.
func (b *Broadcaster) MessageAllMembers(ctx context.Context, turn domain.Turn) (BroadcastReport, error) {
	act := turn.Activity()
	if act.Conversation == nil {
		return BroadcastReport{}, newError(ErrorInvalidInput, "missing_conversation", nil)
	}
	rosterID := act.TeamID()
	if rosterID == "" {
		rosterID = act.Conversation.ID
	}
	botID := ""
	if act.Recipient != nil {
		botID = act.Recipient.ID
	}

	collector := &reportCollector{}
	var g errgroup.Group
	g.SetLimit(b.concurrency)

	// The directory is written by the tasks, so members listed on more
	// than one page are tracked here.
	queued := make(map[string]struct{})
	var pageErr error
	token := ""
	for {
		page, err := b.fetchPage(ctx, act.ServiceURL, rosterID, token)
		if err != nil {
			pageErr = newError(ErrorUpstream, "member_page_failed", err)
			break
		}
		for _, member := range page.Members {
			if member.ID == "" || member.ID == botID || b.dir.Has(member.ID) {
				continue
			}
			if _, ok := queued[member.ID]; ok {
				continue
			}
			queued[member.ID] = struct{}{}
			g.Go(b.memberTask(ctx, act, member, collector))
		}
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}
	_ = g.Wait()

	report := collector.snapshot()
	b.logger.Info("message all members finished", "attempted", report.Attempted, "delivered", report.Delivered, "failed", report.Failed)
	return report, pageErr
}

func (b *Broadcaster) fetchPage(ctx context.Context, serviceURL, conversationID, token string) (domain.PagedMembers, error) {
	ctx, cancel := context.WithTimeout(ctx, b.pageTimeout)
	defer cancel()
	return b.gateway.GetPagedMembers(ctx, serviceURL, conversationID, b.pageSize, token)
}

func (b *Broadcaster) memberTask(ctx context.Context, act *domain.Activity, member domain.ChannelAccount, collector *reportCollector) func() error {
	return func() error {
		err := b.messageMember(ctx, act, member)
		if err != nil {
			b.logger.Warn("message member failed", append([]any{"user_id", member.ID}, errorAttrs(err)...)...)
		}
		collector.record(member.ID, err)
		return nil
	}
}

// messageMember opens a personal conversation with member and sends the card.
// The reference is recorded as soon as the conversation exists.
func (b *Broadcaster) messageMember(ctx context.Context, act *domain.Activity, member domain.ChannelAccount) error {
	tenantID := act.TenantID()
	params := domain.ConversationParameters{
		Members:  []domain.ChannelAccount{member},
		TenantID: tenantID,
	}
	if act.Recipient != nil {
		bot := *act.Recipient
		params.Bot = &bot
	}
	if tenantID != "" {
		params.ChannelData = map[string]any{"tenant": map[string]string{"id": tenantID}}
	}

	res, err := b.gateway.CreateConversation(ctx, act.ServiceURL, params)
	if err != nil {
		return err
	}

	ref := domain.ReferenceFor(act, member)
	ref.ActivityID = ""
	ref.Conversation = &domain.ConversationAccount{
		ID:               res.ID,
		ConversationType: "personal",
		TenantID:         tenantID,
	}
	if res.ServiceURL != "" {
		ref.ServiceURL = res.ServiceURL
	}
	if _, err := b.dir.Put(ctx, member.ID, ref); err != nil {
		return err
	}
	return b.sendOffer(ctx, ref)
}
