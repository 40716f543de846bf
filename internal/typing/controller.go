// Package typing turns local input into typing start/stop broadcasts and
// tracks which peers are currently typing.
package typing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"teamwire/internal/clock"
	"teamwire/internal/domain"
	"teamwire/internal/metrics"
)

// State of a conversation's outbound typing indicator.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

const (
	DefaultQuietPeriod = 2 * time.Second
	sendTimeout        = 5 * time.Second
)

// Poster is implemented by transports that can queue a frame without
// waiting for it to be written. When the Sender is a Poster, broadcasts never
// block input on network I/O.
type Poster interface {
	Post(env domain.Envelope) error
}

// Config configures a Controller.
type Config struct {
	Conversation domain.Conversation
	Sender       domain.Sender
	QuietPeriod  time.Duration // default: 2s
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Controller is the debounce state machine for one conversation. The first
// non-blank input after idle broadcasts isTyping:true; QuietPeriod without
// input, a blank draft or ForceIdle broadcasts isTyping:false. Broadcasts
// leave in transition order.
type Controller struct {
	conv   domain.Conversation
	sender domain.Sender
	quiet  time.Duration
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	lastInput time.Time
	timer     *clock.Timer

	// sendMu is taken before mu is released so broadcasts keep transition
	// order. Never acquire mu while holding sendMu.
	sendMu sync.Mutex
}

func NewController(cfg Config) *Controller {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		conv:   cfg.Conversation,
		sender: cfg.Sender,
		quiet:  cfg.QuietPeriod,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

func (c *Controller) Conversation() domain.Conversation { return c.conv }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnInput feeds the current draft text.
func (c *Controller) OnInput(text string) {
	c.mu.Lock()
	if strings.TrimSpace(text) == "" {
		if c.state == Active {
			c.goIdleLocked()
			return
		}
		c.mu.Unlock()
		return
	}

	c.lastInput = c.clock.Now()
	if c.state == Active {
		c.timer.Reset(c.quiet)
		c.mu.Unlock()
		return
	}

	c.state = Active
	if c.timer == nil {
		c.timer = c.clock.AfterFunc(c.quiet, c.expire)
	} else {
		c.timer.Reset(c.quiet)
	}
	c.broadcastLocked(true)
}

// ForceIdle stops the indicator immediately. Used on submit and conversation
// switch. It does nothing when already idle.
func (c *Controller) ForceIdle() {
	c.mu.Lock()
	if c.state != Active {
		c.mu.Unlock()
		return
	}
	c.goIdleLocked()
}

func (c *Controller) expire() {
	c.mu.Lock()
	if c.state != Active || c.clock.Now().Before(c.lastInput.Add(c.quiet)) {
		// Superseded by a later input; the reset timer fires again.
		c.mu.Unlock()
		return
	}
	c.goIdleLocked()
}

// goIdleLocked transitions to idle and broadcasts the stop. It releases mu.
func (c *Controller) goIdleLocked() {
	c.state = Idle
	if c.timer != nil {
		c.timer.Stop()
	}
	c.broadcastLocked(false)
}

// broadcastLocked hands over from mu to sendMu and sends. It releases mu.
func (c *Controller) broadcastLocked(typing bool) {
	c.sendMu.Lock()
	c.mu.Unlock()
	defer c.sendMu.Unlock()

	metrics.TypingBroadcasts.Inc()
	env := domain.TypingEnvelope(c.conv, typing)
	var err error
	if p, ok := c.sender.(Poster); ok {
		err = p.Post(env)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err = c.sender.Send(ctx, env)
		cancel()
	}
	if err != nil {
		c.logger.Debug("typing broadcast not delivered", "conversation", c.conv.Key(), "typing", typing, "err", err)
	}
}
