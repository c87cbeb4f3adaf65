// Package mailer delivers transactional mail asynchronously. Enqueue
// never blocks the caller; a background worker retries delivery with
// exponential backoff, so delivery is at-least-once while the process
// lives.
package mailer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
)

// Message is one outbound mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer is the enqueue-and-forget surface handed to producers.
type Mailer interface {
	Enqueue(msg Message)
}

// Sender performs one delivery attempt. Implementations wrap SMTP or a
// provider API.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

const (
	queueSize       = 256
	initialInterval = time.Minute
	maxAttempts     = 3
)

// Service is the async delivery worker.
type Service struct {
	sender Sender
	queue  chan Message

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewService creates the mailer around a sender.
func NewService(sender Sender) *Service {
	return &Service{
		sender: sender,
		queue:  make(chan Message, queueSize),
	}
}

// Start launches the delivery worker.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.queue:
				s.deliver(ctx, msg)
			}
		}
	}()
}

// Enqueue queues a message for delivery. A full queue drops the message
// rather than blocking the caller.
func (s *Service) Enqueue(msg Message) {
	select {
	case s.queue <- msg:
	default:
		logging.Warn(context.Background(), "Mail queue full, dropping message",
			zap.String("to", msg.To), zap.String("subject", msg.Subject))
	}
}

// deliver retries one message with exponential backoff, giving up after
// maxAttempts.
func (s *Service) deliver(ctx context.Context, msg Message) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialInterval
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return s.sender.Send(ctx, msg)
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
	if err != nil {
		logging.Error(ctx, "Mail delivery abandoned",
			zap.String("to", msg.To), zap.Int("attempts", attempt), zap.Error(err))
		return
	}
	if attempt > 1 {
		logging.Info(ctx, "Mail delivered after retry",
			zap.String("to", msg.To), zap.Int("attempts", attempt))
	}
}

// Shutdown stops the worker. Queued but undelivered mail is dropped.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSender writes mail to the log instead of delivering it. Used in
// development mode and tests.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	logging.Info(ctx, "Mail (log sender)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body))
	return nil
}
