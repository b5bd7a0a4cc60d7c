package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "schedulify/pkg/logx"
)

// OpenTransport builds the transport named by cfg.Transport.
func OpenTransport(cfg Config, log logx.Logger) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", "log":
		return NewLogTransport(log), nil
	case "smtp":
		return NewSMTPTransport(cfg.SMTP)
	case "telegram":
		return NewTelegramTransport(cfg.Telegram)
	default:
		return nil, fmt.Errorf("%w: %q", ErrTransport, cfg.Transport)
	}
}

// LogTransport writes notifications to the log instead of delivering them.
type LogTransport struct {
	log logx.Logger
}

func NewLogTransport(log logx.Logger) *LogTransport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogTransport{log: log.With(logx.String("comp", "notify"))}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.log.Info("notification",
		logx.Int64("post_id", m.PostID),
		logx.String("to", m.To),
		logx.String("subject", m.Subject),
		logx.String("body", m.Body),
	)
	return nil
}

// SMTPTransport delivers plain-text mail through one SMTP relay.
type SMTPTransport struct {
	cfg  SMTPConfig
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("smtp addr is empty")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from is empty")
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("smtp addr: %w", err)
	}
	t := &SMTPTransport{cfg: cfg, send: smtp.SendMail}
	if cfg.Username != "" {
		t.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return t, nil
}

func (t *SMTPTransport) Name() string { return "smtp" }

// Send runs the blocking SMTP exchange in a goroutine so ctx can bound it.
func (t *SMTPTransport) Send(ctx context.Context, m Message) error {
	to, err := mail.ParseAddress(m.To)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, m.To)
	}
	m.To = to.Address
	msg := buildMail(t.cfg.From, m, time.Now())
	done := make(chan error, 1)
	go func() {
		done <- t.send(t.cfg.Addr, t.auth, t.cfg.From, []string{m.To}, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMail(from string, m Message, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + headerValue(from) + "\r\n")
	b.WriteString("To: " + headerValue(m.To) + "\r\n")
	b.WriteString("Subject: " + headerValue(m.Subject) + "\r\n")
	b.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// headerValue folds line breaks so a value cannot start a new header.
func headerValue(v string) string {
	return strings.Join(strings.FieldsFunc(v, func(r rune) bool { return r == '\r' || r == '\n' }), " ")
}

// TelegramTransport sends notifications as Telegram messages. The recipient
// address selects the chat.
type TelegramTransport struct {
	cfg TelegramConfig
	bot *tele.Bot
	mu  sync.Mutex
}

func NewTelegramTransport(cfg TelegramConfig) (*TelegramTransport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	chats := make(map[string]int64, len(cfg.Chats))
	for k, v := range cfg.Chats {
		chats[strings.ToLower(strings.TrimSpace(k))] = v
	}
	cfg.Chats = chats
	return &TelegramTransport{cfg: cfg, bot: b}, nil
}

func (t *TelegramTransport) Name() string { return "telegram" }

func (t *TelegramTransport) chatFor(to string) (int64, bool) {
	if id, ok := t.cfg.Chats[strings.ToLower(strings.TrimSpace(to))]; ok {
		return id, true
	}
	if t.cfg.DefaultChat != 0 {
		return t.cfg.DefaultChat, true
	}
	return 0, false
}

func (t *TelegramTransport) Send(ctx context.Context, m Message) error {
	chatID, ok := t.chatFor(m.To)
	if !ok {
		return fmt.Errorf("no telegram chat for %q", m.To)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text := m.Subject + "\n\n" + m.Body
	done := make(chan error, 1)
	go func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
