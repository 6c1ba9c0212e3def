// Package timeout expires a signed-in session a fixed time after login,
// with a warning countdown before the end. The expiry timer alone decides
// when a session ends; the countdown ticker only reports progress.
package timeout

//go:generate mockgen -source=controller.go -destination=mock_timeout_test.go -package=timeout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	autherrors "github.com/aicmr/cms-session/internal/errors"
	"github.com/aicmr/cms-session/internal/logging"
	"github.com/aicmr/cms-session/internal/metrics"
	"github.com/aicmr/cms-session/internal/models"
)

// Defaults for the session window.
const (
	DefaultTotal   = 30 * time.Minute
	DefaultWarning = 5 * time.Minute
)

// State is the controller's lifecycle state.
type State int

const (
	Idle State = iota
	Armed
	WarningShown
	Expired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case WarningShown:
		return "warning"
	case Expired:
		return "expired"
	}

	return "unknown"
}

// EventKind identifies an Event.
type EventKind int

const (
	EventArmed EventKind = iota
	EventWarning
	EventTick
	EventExtended
	EventExpired
)

func (k EventKind) String() string {
	switch k {
	case EventArmed:
		return "armed"
	case EventWarning:
		return "warning"
	case EventTick:
		return "tick"
	case EventExtended:
		return "extended"
	case EventExpired:
		return "expired"
	}

	return "unknown"
}

// Event is published to Config.OnEvent on every state change and on each
// countdown tick.
type Event struct {
	Kind EventKind
	// SecondsRemaining is set for Warning and Tick events.
	SecondsRemaining int
	// Reason is set for Expired events.
	Reason string
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State            State
	SecondsRemaining int
	Deadline         time.Time
}

// LoginClock reads and rewrites the session anchor.
type LoginClock interface {
	LoginTime() (time.Time, bool)
	SetLoginTime(t time.Time) error
}

// Authenticator extends and ends sessions.
type Authenticator interface {
	RefreshToken(ctx context.Context) (*models.TokenPair, error)
	Logout(ctx context.Context) error
}

// Navigator sends the user to the login entry point.
type Navigator interface {
	RedirectToLogin()
}

// Config holds the controller's settings and collaborators.
type Config struct {
	Total   time.Duration
	Warning time.Duration
	// ExtendResetsAnchor makes a successful Extend move the login time to
	// now. By default the anchor is kept.
	ExtendResetsAnchor bool

	Clock     LoginClock
	Auth      Authenticator
	Navigator Navigator
	OnEvent   func(Event)
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Controller runs the session timeout state machine.
type Controller struct {
	total         time.Duration
	warning       time.Duration
	resetOnExtend bool
	clock         LoginClock
	auth          Authenticator
	nav           Navigator
	onEvent       func(Event)
	metrics       *metrics.Metrics
	logger        *slog.Logger

	mu    sync.Mutex
	ctx   context.Context
	state State
	gen   uint64
	// session changes only when a session ends (expiry, logout, Stop).
	// Re-arming bumps gen but keeps session.
	session   uint64
	deadline  time.Time
	remaining int
	warnT     *time.Timer
	expireT   *time.Timer
	tickStop  chan struct{}
	pending   []Event
}

// New creates an idle controller.
func New(cfg Config) *Controller {
	if cfg.Total <= 0 {
		cfg.Total = DefaultTotal
	}

	if cfg.Warning <= 0 || cfg.Warning >= cfg.Total {
		cfg.Warning = min(DefaultWarning, cfg.Total/2)
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Controller{
		total:         cfg.Total,
		warning:       cfg.Warning,
		resetOnExtend: cfg.ExtendResetsAnchor,
		clock:         cfg.Clock,
		auth:          cfg.Auth,
		nav:           cfg.Navigator,
		onEvent:       cfg.OnEvent,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		ctx:           context.Background(),
	}
}

// ceilSeconds rounds d up to whole seconds.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}

	return int((d + time.Second - 1) / time.Second)
}

// Start arms the controller from the stored login time. ctx is used for
// the logout the controller performs on expiry; its values are kept but
// its cancellation is not. A session already past its deadline is expired
// before Start returns.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = context.WithoutCancel(ctx)
	expireNow, gen := c.armLocked()
	c.unlockAndFlush()

	if expireNow {
		c.expire(gen, metrics.ExpiryAtStart)
	}
}

// Activity re-derives the timers from the login time. It is ignored
// while the warning is showing and after expiry. Since the anchor does
// not move, activity never postpones expiry.
func (c *Controller) Activity() {
	c.mu.Lock()
	if c.state == WarningShown || c.state == Expired {
		c.mu.Unlock()
		return
	}

	expireNow, gen := c.armLocked()
	c.unlockAndFlush()

	if expireNow {
		c.expire(gen, metrics.ExpiryAtStart)
	}
}

// Extend refreshes the credentials and re-arms the timers. A failed
// refresh ends the session exactly as expiry does.
func (c *Controller) Extend(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Expired || c.state == Idle {
		c.mu.Unlock()
		return autherrors.ErrSessionExpired
	}

	session := c.session
	c.mu.Unlock()

	if _, err := c.auth.RefreshToken(ctx); err != nil {
		c.logger.Info("extending session failed", slog.String("error", err.Error()))
		c.expireSession(session, metrics.ExpiryExtend)

		return errors.Join(autherrors.ErrSessionExpired, err)
	}

	c.mu.Lock()
	if session != c.session {
		c.mu.Unlock()
		return autherrors.ErrSessionExpired
	}

	if c.resetOnExtend {
		if err := c.clock.SetLoginTime(time.Now()); err != nil {
			c.logger.Error("resetting login time", slog.String("error", err.Error()))
		}
	}

	c.clearTimersLocked()
	c.state = Armed
	c.emitLocked(Event{Kind: EventExtended})

	expireNow, newGen := c.armLocked()
	c.unlockAndFlush()

	if expireNow {
		c.expire(newGen, metrics.ExpiryAtStart)
	}

	c.logger.Debug("session extended")

	return nil
}

// Logout ends the session now. It is a no-op once the session expired.
func (c *Controller) Logout(ctx context.Context) {
	c.mu.Lock()
	if ctx != nil {
		c.ctx = context.WithoutCancel(ctx)
	}
	gen := c.gen
	c.mu.Unlock()

	c.expire(gen, metrics.ExpiryLogout)
}

// Stop clears every timer and the ticker and returns to Idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.clearTimersLocked()
	c.gen++
	c.session++
	c.state = Idle
	c.deadline = time.Time{}
	c.remaining = 0
	c.mu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Snapshot returns the current state, seconds left on the countdown and
// the expiry deadline.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{State: c.state, SecondsRemaining: c.remaining, Deadline: c.deadline}
}

// armLocked cancels the timers and schedules new ones from the login
// time. It reports whether the session is already past its deadline, with
// the generation the caller must pass to expire.
func (c *Controller) armLocked() (bool, uint64) {
	c.clearTimersLocked()
	c.gen++
	gen := c.gen

	loginAt, ok := c.clock.LoginTime()
	if !ok {
		c.state = Idle
		c.deadline = time.Time{}
		c.remaining = 0

		return false, gen
	}

	c.deadline = loginAt.Add(c.total)
	untilExpiry := time.Until(c.deadline)

	if untilExpiry <= 0 {
		return true, gen
	}

	c.expireT = time.AfterFunc(untilExpiry, func() { c.expire(gen, metrics.ExpiryTimer) })

	if untilExpiry <= c.warning {
		c.enterWarningLocked(gen, untilExpiry)
		return false, gen
	}

	c.state = Armed
	c.remaining = 0
	c.warnT = time.AfterFunc(untilExpiry-c.warning, func() { c.warn(gen) })
	c.emitLocked(Event{Kind: EventArmed})

	return false, gen
}

func (c *Controller) warn(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Armed {
		c.mu.Unlock()
		return
	}

	c.enterWarningLocked(gen, time.Until(c.deadline))
	c.unlockAndFlush()
}

func (c *Controller) enterWarningLocked(gen uint64, remaining time.Duration) {
	c.state = WarningShown
	c.remaining = ceilSeconds(remaining)
	c.metrics.Warnings.Inc()
	c.emitLocked(Event{Kind: EventWarning, SecondsRemaining: c.remaining})

	stop := make(chan struct{})
	c.tickStop = stop

	go c.tick(gen, stop)
}

// tick publishes the countdown once a second until stopped. It never
// changes state; expiry belongs to the expiry timer.
func (c *Controller) tick(gen uint64, stop <-chan struct{}) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			if gen != c.gen || c.state != WarningShown {
				c.mu.Unlock()
				return
			}

			c.remaining = ceilSeconds(time.Until(c.deadline))
			c.emitLocked(Event{Kind: EventTick, SecondsRemaining: c.remaining})
			c.unlockAndFlush()
		}
	}
}

// expire ends the session at most once per generation: it calls the
// façade logout, marks the controller expired and navigates to login.
func (c *Controller) expire(gen uint64, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	c.endLocked(reason)
}

// expireSession is expire for callers that outlive a re-arm, such as an
// extend whose refresh raced with activity.
func (c *Controller) expireSession(session uint64, reason string) {
	c.mu.Lock()
	if session != c.session {
		c.mu.Unlock()
		return
	}

	c.endLocked(reason)
}

// endLocked is entered with c.mu held and releases it.
func (c *Controller) endLocked(reason string) {
	if c.state == Expired {
		c.mu.Unlock()
		return
	}

	c.clearTimersLocked()
	c.gen++
	c.session++
	c.state = Expired
	c.remaining = 0
	c.deadline = time.Time{}
	ctx := c.ctx
	c.mu.Unlock()

	c.metrics.Expiries.WithLabelValues(reason).Inc()
	c.logger.Info("session ended", slog.String("reason", reason))

	if err := c.auth.Logout(ctx); err != nil {
		c.logger.Error("logout on session end", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.emitLocked(Event{Kind: EventExpired, Reason: reason})
	c.unlockAndFlush()

	if c.nav != nil {
		c.nav.RedirectToLogin()
	}
}

func (c *Controller) clearTimersLocked() {
	if c.warnT != nil {
		c.warnT.Stop()
		c.warnT = nil
	}

	if c.expireT != nil {
		c.expireT.Stop()
		c.expireT = nil
	}

	if c.tickStop != nil {
		close(c.tickStop)
		c.tickStop = nil
	}
}

func (c *Controller) emitLocked(e Event) {
	if c.onEvent != nil {
		c.pending = append(c.pending, e)
	}
}

// unlockAndFlush releases the lock and then delivers queued events, so
// handlers may call back into the controller.
func (c *Controller) unlockAndFlush() {
	events := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, e := range events {
		c.onEvent(e)
	}
}
