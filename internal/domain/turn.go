package domain

import "context"

// Turn is the per-activity handle the bot uses to read the inbound activity
// and send replies into the same conversation.
type Turn interface {
	Activity() *Activity
	// SendActivity addresses a to the turn's conversation and delivers it.
	// It returns the id assigned by the channel.
	SendActivity(ctx context.Context, a *Activity) (string, error)
}

// TurnFunc runs bot logic inside a turn, e.g. a resumed proactive conversation.
type TurnFunc func(ctx context.Context, turn Turn) error
