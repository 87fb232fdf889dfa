package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"teams-file-bot/internal/directory"
	"teams-file-bot/internal/domain"
	"teams-file-bot/internal/files"
)

var testNow = time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)

const testDate = "March 05, 2026"

type fakeTurn struct {
	mu      sync.Mutex
	act     *domain.Activity
	sent    []*domain.Activity
	sendErr error
}

func (f *fakeTurn) Activity() *domain.Activity { return f.act }

func (f *fakeTurn) SendActivity(_ context.Context, a *domain.Activity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, a)
	return fmt.Sprintf("out-%d", len(f.sent)), nil
}

func (f *fakeTurn) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, a := range f.sent {
		out = append(out, a.Text)
	}
	return out
}

func (f *fakeTurn) sentActivities() []*domain.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.Activity(nil), f.sent...)
}

func newActivity(text string) *domain.Activity {
	return &domain.Activity{
		Type:         domain.ActivityTypeMessage,
		ID:           "act-1",
		Text:         text,
		ChannelID:    "msteams",
		ServiceURL:   "https://smba.example/emea/",
		From:         &domain.ChannelAccount{ID: "29:ann", Name: "Ann"},
		Recipient:    &domain.ChannelAccount{ID: "28:bot", Name: "FileBot"},
		Conversation: &domain.ConversationAccount{ID: "a:conv-ann", ConversationType: "personal"},
		ChannelData:  json.RawMessage(`{"tenant":{"id":"tenant-1"}}`),
	}
}

func newTurn(text string) *fakeTurn {
	return &fakeTurn{act: newActivity(text)}
}

// newTestStore creates a store holding a 10 byte report and a small template.
func newTestStore(t *testing.T) *files.Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultReportFile), []byte("0123456789"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultTemplateFile), []byte("name,threshold\n"), 0o600))
	s, err := files.New(dir, 1<<16)
	require.NoError(t, err)
	return s
}

func refFor(userID, name string) domain.ConversationReference {
	return domain.ConversationReference{
		User:         &domain.ChannelAccount{ID: userID, Name: name},
		Bot:          &domain.ChannelAccount{ID: "28:bot"},
		Conversation: &domain.ConversationAccount{ID: "a:" + userID},
		ChannelID:    "msteams",
		ServiceURL:   "https://smba.example/emea/",
	}
}

// fakeGateway records proactive traffic. ContinueConversation runs the
// callback against a fakeTurn so the delivered activities can be inspected.
type fakeGateway struct {
	mu sync.Mutex

	pages     map[string]domain.PagedMembers
	pageErr   error
	pageCalls []string
	pageConvs []string
	pageHasDL bool

	createErr map[string]error
	created   []domain.ConversationParameters

	continueErr map[string]error
	continued   []string
	delivered   map[string][]*domain.Activity

	inFlight    int
	maxInFlight int
	delay       time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		pages:       map[string]domain.PagedMembers{},
		createErr:   map[string]error{},
		continueErr: map[string]error{},
		delivered:   map[string][]*domain.Activity{},
	}
}

func (g *fakeGateway) ContinueConversation(ctx context.Context, ref domain.ConversationReference, fn domain.TurnFunc) error {
	userID := ref.UserID()

	g.mu.Lock()
	g.continued = append(g.continued, userID)
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	err := g.continueErr[userID]
	delay := g.delay
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	act := &domain.Activity{Type: domain.ActivityTypeMessage}
	ref.Apply(act, true)
	turn := &fakeTurn{act: act}
	if err := fn(ctx, turn); err != nil {
		return err
	}

	g.mu.Lock()
	g.delivered[userID] = append(g.delivered[userID], turn.sentActivities()...)
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) CreateConversation(_ context.Context, _ string, params domain.ConversationParameters) (domain.ConversationResource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, params)
	if len(params.Members) != 1 {
		return domain.ConversationResource{}, errors.New("expected exactly one member")
	}
	id := params.Members[0].ID
	if err := g.createErr[id]; err != nil {
		return domain.ConversationResource{}, err
	}
	return domain.ConversationResource{ID: "a:personal-" + id}, nil
}

func (g *fakeGateway) GetPagedMembers(ctx context.Context, _ string, conversationID string, _ int, token string) (domain.PagedMembers, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pageCalls = append(g.pageCalls, token)
	g.pageConvs = append(g.pageConvs, conversationID)
	if _, ok := ctx.Deadline(); ok {
		g.pageHasDL = true
	}
	if g.pageErr != nil && token != "" {
		return domain.PagedMembers{}, g.pageErr
	}
	return g.pages[token], nil
}

func (g *fakeGateway) deliveredTo(userID string) []*domain.Activity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*domain.Activity(nil), g.delivered[userID]...)
}

type testEnv struct {
	engine  *Engine
	dir     *directory.Directory
	gateway *fakeGateway
	store   *files.Store
}

func newTestEnv(t *testing.T, transferOpts ...TransferOption) *testEnv {
	t.Helper()
	store := newTestStore(t)
	dir := directory.New()
	gw := newFakeGateway()

	transfer, err := NewTransfer(store, transferOpts...)
	require.NoError(t, err)
	broadcaster, err := NewBroadcaster(dir, gw, WithBroadcastClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	engine, err := NewEngine(dir, transfer, broadcaster, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return &testEnv{engine: engine, dir: dir, gateway: gw, store: store}
}

func decodeContent[T any](t *testing.T, att domain.Attachment) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(att.Content, &v))
	return v
}
