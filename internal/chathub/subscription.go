package chathub

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscription is a cancellable live view. Wake-ups coalesce: while a load
// is running, any number of change events collapse into one more load.
type Subscription struct {
	hub      *Hub
	chatID   string
	viewerID string
	load     func(ctx context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	// mu is held while a callback runs so Cancel can wait it out.
	mu sync.Mutex
}

func newSubscription(h *Hub, load func(ctx context.Context) error) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription{
		hub:    h,
		load:   load,
		ctx:    ctx,
		cancel: cancel,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscription) start() {
	s.wake()
	go s.run()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		}

		if err := s.load(s.ctx); err != nil && s.ctx.Err() == nil {
			s.hub.logger.WithError(err).WithFields(logrus.Fields{
				"chat_id": s.chatID,
				"user_id": s.viewerID,
			}).Warn("Failed to refresh live view")
		}
	}
}

// deliver runs fn unless the subscription is cancelled and reports whether
// it ran.
func (s *Subscription) deliver(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

// Cancel stops further callbacks and releases the subscription's goroutine
// and hub registration. It waits for a callback already in progress, so no
// callback runs after Cancel returns; it must therefore not be called from
// inside the subscription's own callback. Calling it again is a no-op.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.hub.remove(s)
		s.mu.Unlock()
		s.hub.logger.WithFields(logrus.Fields{
			"chat_id": s.chatID,
			"user_id": s.viewerID,
		}).Debug("Subscription cancelled")
	})
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
