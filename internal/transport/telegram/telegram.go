package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"streamwatch/internal/transport"
	logx "streamwatch/pkg/logx"
)

// Config configures the Telegram transport.
type Config struct {
	Token string
	// Timeout bounds one Bot API request (send, edit, delete, upload).
	Timeout time.Duration
	// Offline skips the getMe handshake; used by tools and tests.
	Offline bool
	// URL overrides the Bot API endpoint.
	URL string
}

// Client implements transport.Transport on top of telebot.
type Client struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ transport.Transport = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if b.Me != nil && b.Me.Username != "" {
		log.Info("telegram bot ready", logx.String("username", b.Me.Username))
	}
	return &Client{cfg: cfg, log: log, bot: b}, nil
}

func sendOptions(opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.DisableNotification,
	}
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (transport.SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return transport.SentMessage{}, err
	}
	msg, err := c.bot.Send(&tele.Chat{ID: chatID}, text, sendOptions(opt))
	if err != nil {
		return transport.SentMessage{}, mapError(err)
	}
	return transport.SentMessage{ID: msg.ID, ChatID: chatID}, nil
}

func (c *Client) SendPhoto(ctx context.Context, chatID int64, photo transport.PhotoSource, caption string, opt *transport.SendOptions) (transport.SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return transport.SentMessage{}, err
	}
	file, err := photoFile(photo)
	if err != nil {
		return transport.SentMessage{}, err
	}
	p := &tele.Photo{File: file, Caption: caption}

	msg, err := c.bot.Send(&tele.Chat{ID: chatID}, p, sendOptions(opt))
	if err != nil {
		return transport.SentMessage{}, mapError(err)
	}
	out := transport.SentMessage{ID: msg.ID, ChatID: chatID}
	// telebot keeps the highest resolution size in Message.Photo.
	if msg.Photo != nil {
		out.PhotoFileID = msg.Photo.FileID
	}
	return out, nil
}

func photoFile(src transport.PhotoSource) (tele.File, error) {
	switch {
	case src.FileID != "":
		return tele.File{FileID: src.FileID}, nil
	case src.URL != "":
		return tele.FromURL(src.URL), nil
	case src.Reader != nil:
		return tele.FromReader(src.Reader), nil
	default:
		return tele.File{}, errors.New("telegram: empty photo source")
	}
}

func stored(ref transport.MessageRef) tele.StoredMessage {
	return tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
}

func (c *Client) EditMessageText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Edit(stored(ref), text, sendOptions(opt))
	return mapError(err)
}

func (c *Client) EditMessageCaption(ctx context.Context, ref transport.MessageRef, caption string, opt *transport.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.EditCaption(stored(ref), caption, sendOptions(opt))
	return mapError(err)
}

func (c *Client) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(c.bot.Delete(stored(ref)))
}

// SendLog lets the logging service forward operator lines through the bot.
func (c *Client) SendLog(ctx context.Context, chatID int64, text string) error {
	_, err := c.SendMessage(ctx, chatID, text, &transport.SendOptions{DisablePreview: true})
	return err
}
