// Package directory remembers how to reach every user the bot has seen.
//
// Entries are keyed by the channel user id and are never evicted: anyone who
// has ever messaged the bot, or was discovered through a team roster, stays
// reachable for proactive messages. The map therefore grows with the number of
// distinct users for the lifetime of the process. A Persister may mirror
// entries to durable storage so a restarted process can warm itself with Load.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"teams-file-bot/internal/domain"
)

// Persister mirrors directory entries outside the process.
type Persister interface {
	PutReference(ctx context.Context, userID string, ref domain.ConversationReference) error
	ListReferences(ctx context.Context) (map[string]domain.ConversationReference, error)
}

// Directory is a concurrency-safe map of user id to conversation reference.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]domain.ConversationReference

	persister Persister
	logger    *slog.Logger
}

type Option func(*Directory)

// WithPersister mirrors every Put into p.
func WithPersister(p Persister) Option {
	return func(d *Directory) { d.persister = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

func New(opts ...Option) *Directory {
	d := &Directory{
		entries: make(map[string]domain.ConversationReference),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "directory")
	return d
}

// Put stores ref under userID. It reports whether the entry is new.
// Mirroring failures are logged and do not fail the call; the in-memory entry
// is authoritative.
func (d *Directory) Put(ctx context.Context, userID string, ref domain.ConversationReference) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, errors.New("directory: user id must not be empty")
	}

	d.mu.Lock()
	_, existed := d.entries[userID]
	d.entries[userID] = ref
	d.mu.Unlock()

	if d.persister != nil {
		if err := d.persister.PutReference(ctx, userID, ref); err != nil {
			d.logger.Warn("failed to mirror conversation reference", "user_id", userID, "err", err)
		}
	}
	return !existed, nil
}

// Get returns the reference stored for userID.
func (d *Directory) Get(userID string) (domain.ConversationReference, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ref, ok := d.entries[userID]
	return ref, ok
}

// Has reports whether userID is known.
func (d *Directory) Has(userID string) bool {
	_, ok := d.Get(userID)
	return ok
}

// Entry is a single directory record.
type Entry struct {
	UserID    string
	Reference domain.ConversationReference
}

// All returns a snapshot of every entry ordered by user id.
func (d *Directory) All() []Entry {
	d.mu.RLock()
	out := make([]Entry, 0, len(d.entries))
	for id, ref := range d.entries {
		out = append(out, Entry{UserID: id, Reference: ref})
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Load copies persisted entries into memory. Entries already present in
// memory win over persisted ones.
func (d *Directory) Load(ctx context.Context) (int, error) {
	if d.persister == nil {
		return 0, nil
	}
	refs, err := d.persister.ListReferences(ctx)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	loaded := 0
	for id, ref := range refs {
		if _, ok := d.entries[id]; ok {
			continue
		}
		d.entries[id] = ref
		loaded++
	}
	d.logger.Info("directory loaded", "entries", loaded)
	return loaded, nil
}
