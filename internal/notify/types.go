package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoRecipient = errors.New("notify: no recipient configured")
	ErrTransport   = errors.New("notify: unknown transport")

	ErrInvalidRecipient = errors.New("notify: invalid recipient address")
)

// Message is one outgoing notification.
type Message struct {
	PostID  int64
	To      string
	Subject string
	Body    string
}

// Transport delivers a message. Implementations must honour ctx.
type Transport interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// Config controls the sender and selects a transport.
type Config struct {
	Transport  string // log | smtp | telegram
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
	SMTP       SMTPConfig
	Telegram   TelegramConfig
}

type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
}

type TelegramConfig struct {
	Token string
	// Chats maps a recipient address to a chat id; DefaultChat is used for
	// recipients without a mapping.
	Chats       map[string]int64
	DefaultChat int64
}

type HistoryItem struct {
	At        time.Time `json:"at"`
	PostID    int64     `json:"post_id"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Transport string    `json:"transport"`
	Error     string    `json:"error,omitempty"`
}

// NotificationEvent is published on the event bus after each attempt.
type NotificationEvent struct {
	PostID int64     `json:"post_id"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
