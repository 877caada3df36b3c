// Package telegram implements the messenger adapter against the Telegram Bot
// API via telebot. Targets are chat identifiers: "@channelname" or a numeric
// chat id.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"castbot/internal/messenger"
	logx "castbot/pkg/logx"
)

type Config struct {
	Token       string
	SendTimeout time.Duration
	// FloodRatePerSec bounds Bot API calls; Telegram throttles bots that
	// exceed roughly one message per second per chat.
	FloodRatePerSec int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	// chat resolution cache; Ready() warms it so Deliver() rarely hits the API twice.
	mu    sync.Mutex
	chats map[string]*tele.Chat
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// No poller: the adapter only sends, it never consumes updates.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	rps := cfg.FloodRatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		chats:   map[string]*tele.Chat{},
	}, nil
}

// Ready resolves the target chat and caches it. A chat Telegram does not know
// about maps to messenger.ErrTargetNotFound so the dispatcher skips the
// action instead of burning retries on it.
func (a *Adapter) Ready(ctx context.Context, target string) error {
	_, err := a.resolve(ctx, target)
	return err
}

// Deliver performs one delivery attempt: photo with caption when the content
// carries an image, plain text otherwise.
func (a *Adapter) Deliver(ctx context.Context, target string, c messenger.Content) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	chat, err := a.resolve(ctx, target)
	if err != nil {
		return err
	}

	if a.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.SendTimeout)
		defer cancel()
	}
	_ = ctx // telebot v4 Send has no context plumbing; the timeout bounds limiter waits above.

	if c.ImagePath != "" {
		photo := &tele.Photo{File: tele.FromDisk(c.ImagePath), Caption: c.Text}
		_, err = a.bot.Send(chat, photo)
		return err
	}
	_, err = a.bot.Send(chat, c.Text)
	return err
}

func (a *Adapter) resolve(ctx context.Context, target string) (*tele.Chat, error) {
	_ = ctx
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("%w: empty target", messenger.ErrTargetNotFound)
	}

	a.mu.Lock()
	if c, ok := a.chats[target]; ok {
		a.mu.Unlock()
		return c, nil
	}
	a.mu.Unlock()

	var (
		chat *tele.Chat
		err  error
	)
	if id, perr := strconv.ParseInt(target, 10, 64); perr == nil {
		chat, err = a.bot.ChatByID(id)
	} else {
		chat, err = a.bot.ChatByUsername(target)
	}
	if err != nil {
		a.log.Debug("chat resolution failed", logx.String("target", target), logx.Err(err))
		return nil, fmt.Errorf("%w: %s: %v", messenger.ErrTargetNotFound, target, err)
	}

	a.mu.Lock()
	a.chats[target] = chat
	a.mu.Unlock()
	return chat, nil
}
