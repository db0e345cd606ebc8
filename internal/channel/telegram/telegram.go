package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"tgblast/internal/channel"
	logx "tgblast/pkg/logx"
)

type Config struct {
	Token string

	// SendTimeout bounds a single API call. 0 means the bot client default.
	SendTimeout time.Duration
}

// Sender adapts a telebot client to the engine's channel contract.
type Sender struct {
	bot *tele.Bot
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, cfg: cfg, log: log}, nil
}

// NewFromBot wraps an already-constructed bot (tests use Offline settings).
func NewFromBot(b *tele.Bot, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, log: log}
}

func (s *Sender) Send(ctx context.Context, to channel.Recipient, p channel.Payload) channel.Result {
	id, err := strconv.ParseInt(string(to), 10, 64)
	if err != nil {
		return channel.Result{Kind: channel.Permanent, ErrKind: "bad_recipient", Err: err}
	}

	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return channel.Result{Kind: channel.Transient, ErrKind: "cancelled", Err: err}
	}

	opts := &tele.SendOptions{
		ParseMode:             p.ParseMode,
		DisableWebPagePreview: p.DisablePreview,
	}

	_, err = s.bot.Send(tele.ChatID(id), sendable(p), opts)
	return Classify(err)
}

// sendable picks the telebot payload object for the message.
func sendable(p channel.Payload) interface{} {
	if p.Media == nil {
		return p.Text
	}
	caption := p.Media.Caption
	if caption == "" {
		caption = p.Text
	}
	file := tele.File{FileID: p.Media.FileID}
	switch p.Media.Type {
	case "photo":
		return &tele.Photo{File: file, Caption: caption}
	case "video":
		return &tele.Video{File: file, Caption: caption}
	case "document":
		return &tele.Document{File: file, Caption: caption}
	default:
		return p.Text
	}
}

// Classify maps a telebot error onto the engine's result variant.
//
// Order matters: flood control first (it wraps a generic 429), then the
// specific per-recipient errors, then the HTTP-code fallback.
func Classify(err error) channel.Result {
	if err == nil {
		return channel.Result{Kind: channel.Success}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return channel.Result{
			Kind:       channel.RateLimited,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser):
		return channel.Result{Kind: channel.Permanent, ErrKind: "blocked", Err: err}
	case errors.Is(err, tele.ErrUserIsDeactivated):
		return channel.Result{Kind: channel.Permanent, ErrKind: "deactivated", Err: err}
	case errors.Is(err, tele.ErrChatNotFound):
		return channel.Result{Kind: channel.Permanent, ErrKind: "chat_not_found", Err: err}
	case errors.Is(err, tele.ErrUnauthorized):
		return channel.Result{Kind: channel.Systemic, ErrKind: "unauthorized", Err: err}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return channel.Result{Kind: channel.Systemic, ErrKind: "unauthorized", Err: err}
		case apiErr.Code == 429:
			return channel.Result{Kind: channel.RateLimited, Err: err}
		case apiErr.Code == 403:
			return channel.Result{Kind: channel.Permanent, ErrKind: "forbidden", Err: err}
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return channel.Result{Kind: channel.Permanent, ErrKind: "bad_request", Err: err}
		default:
			return channel.Result{Kind: channel.Transient, ErrKind: "server", Err: err}
		}
	}

	// Anything else is the transport itself (timeouts, DNS, ...).
	return channel.Result{Kind: channel.Transient, ErrKind: "network", Err: err}
}
