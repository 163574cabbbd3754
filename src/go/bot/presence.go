package bot

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/types"
)

const (
	// DefaultPresenceRevert is how long a typing/recording indicator stays
	// up before the scheduler reverts it to paused.
	DefaultPresenceRevert = 25 * time.Second
	// DefaultSequenceStep is the hold time between states of the combined
	// typing-then-recording sequence.
	DefaultSequenceStep = 15 * time.Second
)

// PresenceScheduler emits chat presence updates with a per-chat auto-revert
// timer. At most one pending revert exists per chat: a new Send always
// supersedes the previous timer (last-write-wins, not additive).
type PresenceScheduler struct {
	mu          sync.Mutex
	timers      map[string]*time.Timer
	logger      *logrus.Logger
	revertAfter time.Duration
	stepDelay   time.Duration
}

func NewPresenceScheduler(logger *logrus.Logger) *PresenceScheduler {
	return &PresenceScheduler{
		timers:      make(map[string]*time.Timer),
		logger:      logger,
		revertAfter: DefaultPresenceRevert,
		stepDelay:   DefaultSequenceStep,
	}
}

// SetTimings overrides the revert and sequence-step durations.
func (p *PresenceScheduler) SetTimings(revertAfter, stepDelay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if revertAfter > 0 {
		p.revertAfter = revertAfter
	}
	if stepDelay > 0 {
		p.stepDelay = stepDelay
	}
}

// Send cancels any outstanding revert timer for the chat, emits a composing
// indicator with the given media (text = typing, audio = recording), and
// arms a one-shot timer that reverts to paused.
func (p *PresenceScheduler) Send(ctx context.Context, sock Socket, chat types.JID, media types.ChatPresenceMedia) {
	p.mu.Lock()
	if timer, ok := p.timers[chat.String()]; ok {
		timer.Stop()
		delete(p.timers, chat.String())
	}
	revertAfter := p.revertAfter
	p.mu.Unlock()

	if err := sock.SendChatPresence(ctx, chat, types.ChatPresenceComposing, media); err != nil {
		p.logger.Debugf("Failed to send presence to %s: %v", chat, err)
		return
	}

	key := chat.String()
	timer := time.AfterFunc(revertAfter, func() {
		if err := sock.SendChatPresence(context.Background(), chat, types.ChatPresencePaused, types.ChatPresenceMediaText); err != nil {
			p.logger.Debugf("Failed to revert presence for %s: %v", chat, err)
		}
		p.mu.Lock()
		delete(p.timers, key)
		p.mu.Unlock()
	})

	p.mu.Lock()
	p.timers[key] = timer
	p.mu.Unlock()
}

// CombinedSequence plays typing, then recording, then paused, holding each
// state for the configured step delay. The sequence is a plain sequential
// script: a concurrent call for the same chat interleaves with it rather
// than cancelling it.
func (p *PresenceScheduler) CombinedSequence(ctx context.Context, sock Socket, chat types.JID) {
	p.mu.Lock()
	step := p.stepDelay
	p.mu.Unlock()

	if err := sock.SendChatPresence(ctx, chat, types.ChatPresenceComposing, types.ChatPresenceMediaText); err != nil {
		p.logger.Debugf("Combined sequence typing failed for %s: %v", chat, err)
		return
	}
	time.Sleep(step)

	if err := sock.SendChatPresence(ctx, chat, types.ChatPresenceComposing, types.ChatPresenceMediaAudio); err != nil {
		p.logger.Debugf("Combined sequence recording failed for %s: %v", chat, err)
		return
	}
	time.Sleep(step)

	if err := sock.SendChatPresence(ctx, chat, types.ChatPresencePaused, types.ChatPresenceMediaText); err != nil {
		p.logger.Debugf("Combined sequence pause failed for %s: %v", chat, err)
	}
}

// PendingTimers reports how many auto-revert timers are currently armed.
func (p *PresenceScheduler) PendingTimers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}
