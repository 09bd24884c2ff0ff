package chat

import (
	"context"

	"github.com/zhouzirui/zerocode-chat/backend/internal/model/chat"
)

// Turn is a handle on one in-flight reply.
type Turn struct {
	ChatID      string
	UserMessage chat.Message

	cancel context.CancelFunc
	done   chan struct{}
	reply  Reply
	err    error
}

func newTurn(chatID string, userMsg chat.Message, cancel context.CancelFunc) *Turn {
	return &Turn{
		ChatID:      chatID,
		UserMessage: userMsg,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (t *Turn) finish(reply Reply, err error) {
	t.reply = reply
	t.err = err
	close(t.done)
}

// Done is closed once the turn resolves.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the reply is ready. It returns ErrTurnDiscarded when the
// active chat changed before the reply arrived.
func (t *Turn) Wait(ctx context.Context) (Reply, error) {
	select {
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-t.done:
		return t.reply, t.err
	}
}
