package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Sender is the outbound side of a chat transport.
type Sender interface {
	Send(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
