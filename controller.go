package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Driver is the browser side of the bot. Every call may block on the page
// and must honour ctx.
type Driver interface {
	Login(ctx context.Context, username, password string) error
	NavigateToGame(ctx context.Context, gameID string) error
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	PlaceBet(ctx context.Context, side Side, amount decimal.Decimal) error
	StartAutoPlay(ctx context.Context, cfg StakeConfig) error
	StopAutoPlay(ctx context.Context) error
	AutoPlayActive(ctx context.Context) (bool, error)
	OnStatusChange(callback func(active bool))
	Screenshot(name string)
	Close()
}

type ControllerOptions struct {
	Mode          string
	PollInterval  time.Duration
	RoundDelay    time.Duration
	ActionRetries int
	RetryDelay    time.Duration
	MaxRestarts   int
}

func controllerOptions(config *Config) ControllerOptions {
	return ControllerOptions{
		Mode:          config.Stake.Mode,
		PollInterval:  config.Monitor.PollInterval,
		RoundDelay:    config.Monitor.RoundDelay,
		ActionRetries: config.Monitor.ActionRetries,
		RetryDelay:    config.Monitor.RetryDelay,
		MaxRestarts:   config.Recovery.MaxRestarts,
	}
}

// Controller runs sessions one after another on a single goroutine. Other
// goroutines only read snapshots and raise the halt signal.
type Controller struct {
	driver   Driver
	recovery RecoveryStrategy
	metrics  *Metrics
	log      *zap.Logger
	opts     ControllerOptions

	mu       sync.Mutex
	baseline StakeConfig
	active   StakeConfig
	current  *SessionState
	sessions []SessionState
	restarts int
	running  bool

	halt     chan struct{}
	haltOnce sync.Once
}

func NewController(driver Driver, stake StakeConfig, recovery RecoveryStrategy, opts ControllerOptions, metrics *Metrics, log *zap.Logger) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ActionRetries < 1 {
		opts.ActionRetries = 1
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Controller{
		driver:   driver,
		recovery: recovery,
		metrics:  metrics,
		log:      log,
		opts:     opts,
		baseline: stake,
		active:   stake,
		halt:     make(chan struct{}),
	}
}

// Halt asks the running session to stop at the next iteration.
func (c *Controller) Halt() {
	c.haltOnce.Do(func() {
		c.log.Info("halt requested")
		close(c.halt)
	})
}

// UpdateStake replaces the stake used by the next session. It also becomes
// the baseline a restart returns to; the running session keeps its own copy.
func (c *Controller) UpdateStake(cfg StakeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.baseline = cfg
	c.active = cfg
	c.mu.Unlock()
	c.log.Info("stake updated for next session", zap.Stringer("bet_amount", cfg.BaseBet), zap.String("side", string(cfg.Side)))
	return nil
}

// ActiveStake returns the stake the next session will start with.
func (c *Controller) ActiveStake() StakeConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.driver.OnStatusChange(func(active bool) {
		c.metrics.AutoPlayActive.Set(boolGauge(active))
		c.log.Info("autoplay status changed", zap.Bool("active", active))
	})

	for first := true; ; first = false {
		term, err := c.runSession(ctx, first)
		if err != nil {
			return err
		}
		term = c.finish(term)

		if term.Reason == ReasonOperatorHalt {
			return nil
		}

		action, err := c.recovery.Recover(ctx, term)
		if err != nil {
			c.log.Error("recovery failed", zap.String("mode", string(c.recovery.Mode())), zap.Error(err))
		}
		if action != ActionRestart {
			c.log.Info("session loop finished", zap.String("recovery", string(c.recovery.Mode())), zap.String("reason", string(term.Reason)))
			return nil
		}
		if c.stopRequested(ctx) {
			return nil
		}
		if c.opts.MaxRestarts > 0 && c.restarts >= c.opts.MaxRestarts {
			c.log.Warn("restart limit reached", zap.Int("max_restarts", c.opts.MaxRestarts))
			return nil
		}

		c.mu.Lock()
		c.restarts++
		c.active = c.baseline
		c.mu.Unlock()
		c.log.Info("settings reset to baseline values", zap.Int("restart", c.restarts))
	}
}

// runSession plays one session. Only the first session's starting balance
// read is fatal; later ones end the session as a monitoring error.
func (c *Controller) runSession(ctx context.Context, first bool) (Termination, error) {
	c.mu.Lock()
	stake := c.active
	last := decimal.Zero
	if n := len(c.sessions); n > 0 {
		last = c.sessions[n-1].CurrentBalance
	}
	c.mu.Unlock()

	var balance decimal.Decimal
	err := retryAction(ctx, c.log, c.opts.ActionRetries, c.opts.RetryDelay, "read starting balance", func() error {
		var err error
		balance, err = c.driver.GetBalance(ctx)
		return err
	})
	if err != nil {
		if c.stopRequested(ctx) {
			state := NewSession(stake, decimal.Zero)
			c.setCurrent(state)
			return Termination{SessionID: state.ID, Reason: ReasonOperatorHalt}, nil
		}
		if first {
			return Termination{}, fmt.Errorf("failed to read starting balance: %w", err)
		}
		state := NewSession(stake, last)
		c.setCurrent(state)
		c.driver.Screenshot("monitoring_error")
		c.log.Error("failed to read starting balance", zap.String("session_id", state.ID), zap.Error(err))
		return Termination{SessionID: state.ID, Reason: ReasonMonitoringError, Err: &MonitoringFailure{Err: err}}, nil
	}

	state := NewSession(stake, balance)
	c.setCurrent(state)
	c.metrics.SessionsTotal.Inc()
	c.metrics.observeSession(state)

	c.log.Info("session started",
		zap.String("session_id", state.ID),
		zap.String("mode", c.opts.Mode),
		zap.String("side", string(stake.Side)),
		zap.Stringer("bet", stake.BaseBet),
		zap.Stringer("starting_balance", balance))

	var reason StopReason
	var cause error
	if c.opts.Mode == ModeManual {
		reason, cause = c.runManual(ctx, state)
	} else {
		reason, cause = c.runAutoPlay(ctx, state)
	}

	return Termination{SessionID: state.ID, Reason: reason, Err: cause}, nil
}

// runManual places every bet itself and reads the result from the balance.
func (c *Controller) runManual(ctx context.Context, state *SessionState) (StopReason, error) {
	for {
		if c.stopRequested(ctx) {
			return ReasonOperatorHalt, nil
		}

		amount := state.CurrentBet
		before := state.CurrentBalance
		side := state.Stake.Side

		if amount.GreaterThan(before) {
			return ReasonInsufficientBalance, fmt.Errorf("bet %s exceeds balance %s", amount, before)
		}

		err := retryAction(ctx, c.log, c.opts.ActionRetries, c.opts.RetryDelay, "place bet", func() error {
			return c.driver.PlaceBet(ctx, side, amount)
		})
		if err != nil {
			if c.stopRequested(ctx) {
				return ReasonOperatorHalt, nil
			}
			c.metrics.ActionFailures.WithLabelValues("place_bet").Inc()
			c.driver.Screenshot("bet_error")
			return ReasonActionFailure, err
		}

		if !sleepContext(ctx, c.opts.RoundDelay) {
			return ReasonOperatorHalt, nil
		}

		after, err := c.driver.GetBalance(ctx)
		if err != nil {
			if c.stopRequested(ctx) {
				return ReasonOperatorHalt, nil
			}
			return ReasonMonitoringError, &MonitoringFailure{Err: err}
		}

		outcome := classifyOutcome(before, after)

		c.mu.Lock()
		state.Record(outcome, after)
		reason, stop := EvaluateStop(state, state.Stake)
		c.mu.Unlock()

		c.metrics.observeBet(outcome)
		c.metrics.observeSession(state)
		c.log.Info("bet resolved",
			zap.String("session_id", state.ID),
			zap.Int("bet", state.BetCount),
			zap.String("outcome", string(outcome)),
			zap.Stringer("amount", amount),
			zap.Stringer("balance", after),
			zap.Stringer("profit", state.Profit),
			zap.Stringer("next_bet", state.CurrentBet))

		if stop {
			return reason, nil
		}
	}
}

// runAutoPlay hands betting to the site's autobet and polls its status on a
// fixed interval.
func (c *Controller) runAutoPlay(ctx context.Context, state *SessionState) (StopReason, error) {
	err := retryAction(ctx, c.log, c.opts.ActionRetries, c.opts.RetryDelay, "start autoplay", func() error {
		return c.driver.StartAutoPlay(ctx, state.Stake)
	})
	if err != nil {
		if c.stopRequested(ctx) {
			return ReasonOperatorHalt, nil
		}
		c.metrics.ActionFailures.WithLabelValues("start_autoplay").Inc()
		return ReasonActionFailure, err
	}

	c.log.Info("monitoring autoplay status", zap.Duration("interval", c.opts.PollInterval))

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.stopAutoPlay()
			return ReasonOperatorHalt, nil
		case <-c.halt:
			c.stopAutoPlay()
			return ReasonOperatorHalt, nil
		case <-ticker.C:
		}

		active, balance, err := c.poll(ctx)
		if err != nil {
			if c.stopRequested(ctx) {
				c.stopAutoPlay()
				return ReasonOperatorHalt, nil
			}
			c.log.Error("error during monitoring", zap.String("session_id", state.ID), zap.Error(err))
			c.driver.Screenshot("monitoring_error")
			c.stopAutoPlay()
			return ReasonMonitoringError, &MonitoringFailure{Err: err}
		}

		c.mu.Lock()
		state.ObserveBalance(balance)
		reason, stop := EvaluateStop(state, state.Stake)
		c.mu.Unlock()

		c.metrics.observeSession(state)
		c.log.Info("autoplay status",
			zap.String("session_id", state.ID),
			zap.Bool("active", active),
			zap.Stringer("balance", balance),
			zap.Stringer("profit", state.Profit))

		if stop {
			c.stopAutoPlay()
			return reason, nil
		}
		if !active {
			c.driver.Screenshot("autobet_stopped")
			return ReasonAutoPlayStopped, nil
		}
	}
}

func (c *Controller) poll(ctx context.Context) (bool, decimal.Decimal, error) {
	active, err := c.driver.AutoPlayActive(ctx)
	if err != nil {
		return false, decimal.Zero, err
	}
	balance, err := c.driver.GetBalance(ctx)
	if err != nil {
		return false, decimal.Zero, err
	}
	return active, balance, nil
}

// stopAutoPlay uses its own deadline so that it still runs after the
// session context was cancelled.
func (c *Controller) stopAutoPlay() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.driver.StopAutoPlay(ctx); err != nil {
		c.log.Warn("failed to stop autoplay", zap.Error(err))
	}
}

func (c *Controller) finish(term Termination) Termination {
	c.mu.Lock()
	state := c.current
	state.Finalize(term.Reason)
	term.Session = state.Clone()
	c.sessions = append(c.sessions, term.Session)
	c.mu.Unlock()

	c.metrics.observeTermination(term.Reason)

	stats := term.Session.Stats()
	fields := []zap.Field{
		zap.String("session_id", stats.SessionID),
		zap.String("reason", string(term.Reason)),
		zap.String("duration", stats.Duration),
		zap.Int("bets", stats.BetCount),
		zap.Int("wins", stats.Wins),
		zap.Int("losses", stats.Losses),
		zap.Stringer("profit", stats.Profit),
		zap.Stringer("balance", stats.CurrentBalance),
	}
	if term.Err != nil {
		fields = append(fields, zap.Error(term.Err))
	}
	c.log.Info("session stopped", fields...)
	return term
}

func (c *Controller) setCurrent(state *SessionState) {
	c.mu.Lock()
	c.current = state
	c.mu.Unlock()
}

func (c *Controller) stopRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.halt:
		return true
	default:
		return false
	}
}

type Status struct {
	Running   bool           `json:"running"`
	Mode      string         `json:"mode"`
	Restarts  int            `json:"restarts"`
	Side      Side           `json:"side"`
	BaseBet   string         `json:"base_bet"`
	Current   *SessionStats  `json:"current,omitempty"`
	Completed []SessionStats `json:"completed"`
}

func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Running:   c.running,
		Mode:      c.opts.Mode,
		Restarts:  c.restarts,
		Side:      c.active.Side,
		BaseBet:   c.active.BaseBet.String(),
		Completed: make([]SessionStats, 0, len(c.sessions)),
	}
	if c.current != nil && !c.current.Ended() {
		stats := c.current.Stats()
		st.Current = &stats
	}
	for i := range c.sessions {
		st.Completed = append(st.Completed, c.sessions[i].Stats())
	}
	return st
}

// Sessions returns copies of every finished session in order.
func (c *Controller) Sessions() []SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SessionState, len(c.sessions))
	for i := range c.sessions {
		out[i] = c.sessions[i].Clone()
	}
	return out
}
