package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type WebhookConfig struct {
	Listen      string // e.g. ":8443"; empty selects long polling
	PublicURL   string
	SecretToken string
}

type Config struct {
	Token       string
	PollTimeout time.Duration
	Webhook     WebhookConfig
}

// Adapter connects castbot to the Telegram Bot API through telebot.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	sink    atomic.Pointer[updateSink]
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter. Created by Start, canceled by Stop.
	sup *rtsup.Supervisor

	droppedUpdates atomic.Uint64
	now            func() time.Time
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram.adapter"))

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: newPoller(cfg),
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, now: time.Now}
	a.registerHandlers()
	return a, nil
}

var allowedUpdates = []string{"message", "channel_post"}

func newPoller(cfg Config) tele.Poller {
	if listen := strings.TrimSpace(cfg.Webhook.Listen); listen != "" {
		wh := &tele.Webhook{
			Listen:         listen,
			SecretToken:    cfg.Webhook.SecretToken,
			AllowedUpdates: allowedUpdates,
		}
		if cfg.Webhook.PublicURL != "" {
			wh.Endpoint = &tele.WebhookEndpoint{PublicURL: cfg.Webhook.PublicURL}
		}
		return wh
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &tele.LongPoller{Timeout: timeout, AllowedUpdates: allowedUpdates}
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		ev := contentFromMessage(m, a.now())
		a.sendUpdate(transport.Update{Kind: transport.UpdateContent, Content: &ev})
		return nil
	})

	for _, name := range []string{"/start", "/optin", "/optout"} {
		a.bot.Handle(name, a.commandHandler(strings.TrimPrefix(name, "/")))
	}
}

func (a *Adapter) commandHandler(name string) tele.HandlerFunc {
	return func(c tele.Context) error {
		chat, sender := c.Chat(), c.Sender()
		if chat == nil || sender == nil || chat.Type != tele.ChatPrivate {
			return nil
		}
		a.sendUpdate(transport.Update{Kind: transport.UpdateCommand, Command: &transport.Command{
			ChatID: chat.ID,
			FromID: sender.ID,
			Name:   name,
			Args:   c.Args(),
		}})
		return nil
	}
}

// updateSink is where handlers push updates while the adapter runs. done
// closes when the run is canceled.
type updateSink struct {
	out  chan<- transport.Update
	done <-chan struct{}
}

// sendUpdate blocks content until it is queued or the run ends, since the
// poll offset has already moved past it. Commands are dropped when full.
func (a *Adapter) sendUpdate(up transport.Update) {
	sk := a.sink.Load()
	if sk == nil {
		return
	}
	if up.Kind == transport.UpdateContent {
		select {
		case sk.out <- up:
		case <-sk.done:
			a.droppedUpdates.Add(1)
		}
		return
	}
	select {
	case sk.out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.sink.Store(&updateSink{out: out, done: sup.Context().Done()})
	a.runMu.Unlock()

	// Dropped commands, and content cut off by shutdown.
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop. An early return while the context is live is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		mode := "long_poll"
		if a.cfg.Webhook.Listen != "" {
			mode = "webhook"
		}
		a.log.Info("polling started", logx.String("mode", mode))
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telebot poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.sink.Store(nil)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
