package notify

import (
	"context"
	"sync"
	"time"
)

// Logger defines minimal logging interface.
type Logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

// Recipient is whoever receives an outbound message.
type Recipient struct {
	ID       int64
	Phone    string
	FCMToken string
}

// Message is an outbound notification.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Pusher delivers mobile push notifications.
type Pusher interface {
	Push(ctx context.Context, token string, msg Message) error
}

// SMSSender delivers text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, text string) error
}

// Notifier sends outbound messages in the background. Failures are logged and never
// returned to the caller.
type Notifier struct {
	push    Pusher
	sms     SMSSender
	logger  Logger
	timeout time.Duration

	wg sync.WaitGroup
}

// New creates a notifier. Either channel may be nil.
func New(push Pusher, sms SMSSender, logger Logger) *Notifier {
	return &Notifier{push: push, sms: sms, logger: logger, timeout: 10 * time.Second}
}

// Notify sends msg to r by push when a token is known, falling back to SMS.
func (n *Notifier) Notify(r Recipient, msg Message) {
	if n == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		n.deliver(ctx, r, msg)
	}()
}

func (n *Notifier) deliver(ctx context.Context, r Recipient, msg Message) {
	if r.FCMToken != "" && n.push != nil {
		err := n.push.Push(ctx, r.FCMToken, msg)
		if err == nil {
			return
		}
		n.errorf("push to %d failed: %v", r.ID, err)
	}
	if r.Phone != "" && n.sms != nil {
		text := msg.Body
		if msg.Title != "" {
			text = msg.Title + ": " + msg.Body
		}
		if err := n.sms.SendSMS(ctx, r.Phone, text); err != nil {
			n.errorf("sms to %d failed: %v", r.ID, err)
		}
		return
	}
	if r.FCMToken == "" {
		n.infof("no outbound channel for %d, dropping %q", r.ID, msg.Title)
	}
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) errorf(format string, args ...interface{}) {
	if n.logger != nil {
		n.logger.Errorf(format, args...)
	}
}

func (n *Notifier) infof(format string, args ...interface{}) {
	if n.logger != nil {
		n.logger.Infof(format, args...)
	}
}
