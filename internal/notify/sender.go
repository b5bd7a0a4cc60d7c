package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"schedulify/internal/eventbus"
	"schedulify/internal/storage"
	logx "schedulify/pkg/logx"
)

const (
	subjectFormat = "Scheduled Post Published: #%d"
	bodyFormat    = "The scheduled post #%d has been published."

	historyMax = 100
)

// RecipientSource resolves the notification address at send time.
type RecipientSource interface {
	Recipient(ctx context.Context) string
}

// PostLookup loads post details for the message body. Optional.
type PostLookup interface {
	Get(ctx context.Context, id int64) (storage.Post, error)
}

// Sender composes and delivers "post published" notifications.
//
// It is safe for concurrent use.
type Sender struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	transport Transport

	recipients RecipientSource
	lookup     PostLookup
	bus        eventbus.Bus
	log        logx.Logger

	hmu     sync.Mutex
	history []HistoryItem
}

func NewSender(cfg Config, transport Transport, recipients RecipientSource, lookup PostLookup, bus eventbus.Bus, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	if transport == nil {
		transport = NewLogTransport(log)
	}
	s := &Sender{transport: transport, recipients: recipients, lookup: lookup, bus: bus, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Sender) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetTransport swaps the delivery transport (config reload).
func (s *Sender) SetTransport(t Transport) {
	if t == nil {
		return
	}
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

func (s *Sender) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// Compose builds the message for post id without sending it.
func (s *Sender) Compose(ctx context.Context, id int64) (Message, error) {
	m := Message{
		PostID:  id,
		Subject: fmt.Sprintf(subjectFormat, id),
		Body:    fmt.Sprintf(bodyFormat, id),
	}
	if s.recipients != nil {
		m.To = strings.TrimSpace(s.recipients.Recipient(ctx))
	}
	if m.To == "" {
		return m, ErrNoRecipient
	}
	if s.lookup != nil {
		p, err := s.lookup.Get(ctx, id)
		if err != nil {
			s.log.Debug("post lookup failed; sending bare notification", logx.Int64("post_id", id), logx.Err(err))
			return m, nil
		}
		var b strings.Builder
		b.WriteString(m.Body)
		if p.Title != "" {
			b.WriteString("\n\nTitle: ")
			b.WriteString(p.Title)
		}
		if p.Permalink != "" {
			b.WriteString("\nLink: ")
			b.WriteString(p.Permalink)
		}
		m.Body = b.String()
	}
	return m, nil
}

// Notify sends one notification for post id. Errors are logged and returned.
func (s *Sender) Notify(ctx context.Context, id int64) error {
	s.mu.Lock()
	lim := s.limiter
	tr := s.transport
	timeout := s.cfg.Timeout
	s.mu.Unlock()

	m, err := s.Compose(ctx, id)
	if err != nil {
		s.log.Warn("notification skipped", logx.Int64("post_id", id), logx.Err(err))
		s.record(m, tr.Name(), err)
		return err
	}

	if err := lim.Wait(ctx); err != nil {
		s.record(m, tr.Name(), err)
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err = tr.Send(callCtx, m)
	cancel()

	s.record(m, tr.Name(), err)
	if err != nil {
		s.log.Warn("notification send failed", logx.Int64("post_id", id), logx.String("transport", tr.Name()), logx.Err(err))
		return fmt.Errorf("notify post %d: %w", id, err)
	}
	s.log.Debug("notification sent", logx.Int64("post_id", id), logx.String("to", m.To), logx.String("transport", tr.Name()))
	return nil
}

func (s *Sender) record(m Message, transport string, err error) {
	now := time.Now()
	it := HistoryItem{At: now, PostID: m.PostID, To: m.To, Subject: m.Subject, Transport: transport}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()

	if s.bus == nil {
		return
	}
	typ := eventbus.TypeNotified
	if err != nil {
		typ = eventbus.TypeNotifyFailed
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{PostID: m.PostID, To: m.To, At: now, Error: it.Error}})
}

// History returns the most recent sends, oldest first.
func (s *Sender) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}
