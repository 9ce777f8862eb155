package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"classbell/internal/notifier"
	kit "classbell/internal/transport"
	logx "classbell/pkg/logx"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint. Empty means the public one.
	APIURL string
	// Timeout bounds one Bot API request. Default 10s.
	Timeout time.Duration
	// RatePerSec caps outgoing messages across all chats. Default 25.
	RatePerSec int
	Silent     bool
}

// Adapter is a send-only Telegram transport. It delivers reminders and the
// operator log sink; it never polls for updates.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	sent   atomic.Uint64
	failed atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	return a, nil
}

// Stats returns delivered and failed message counts.
func (a *Adapter) Stats() (sent, failed uint64) {
	return a.sent.Load(), a.failed.Load()
}

// Dispatch delivers one reminder. Errors are classified for the scheduler.
func (a *Adapter) Dispatch(ctx context.Context, n notifier.Notification) error {
	_, err := a.Send(ctx, kit.ChatTarget{ChatID: n.ChatID}, n.Text, &kit.SendOptions{DisablePreview: true, Silent: a.cfg.Silent})
	if err != nil {
		return Classify(err)
	}
	return nil
}

// SendText satisfies logx.Sender.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := a.Send(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (a *Adapter) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return first, err
		}

		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		}

		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			a.failed.Add(1)
			a.log.Debug("send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
			return first, err
		}
		a.sent.Add(1)

		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}

	return first, nil
}

// permanentErrors are Bot API answers that will not change on retry.
var permanentErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrChatNotFound,
	tele.ErrUserIsDeactivated,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrNotStartedByUser,
}

var permanentPhrases = []string{
	"blocked by the user",
	"chat not found",
	"user is deactivated",
	"kicked from",
	"can't initiate conversation",
	"not enough rights",
}

// Classify wraps a delivery error as notifier.Permanent or notifier.Transient.
//
// Refusals tied to the chat (blocked, deleted, kicked, bad request) are
// permanent. Flood control, server errors and network failures are transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return notifier.Transient(err)
	}
	for _, pe := range permanentErrors {
		if errors.Is(err, pe) {
			return notifier.Permanent(err)
		}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return notifier.Transient(err)
	}
	var group tele.GroupError
	if errors.As(err, &group) {
		// The chat moved to a supergroup; the old id will keep failing.
		return notifier.Permanent(err)
	}

	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusTooManyRequests:
			return notifier.Transient(err)
		case te.Code == http.StatusBadRequest || te.Code == http.StatusForbidden:
			return notifier.Permanent(err)
		case te.Code >= 500:
			return notifier.Transient(err)
		}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPhrases {
		if strings.Contains(msg, p) {
			return notifier.Permanent(err)
		}
	}
	return notifier.Transient(err)
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
