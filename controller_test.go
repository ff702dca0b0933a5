package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// fakeDriver plays scripted outcomes. Manual bets take the next entry of
// outcomes (loss once empty); autoplay moves the balance through
// autoBalances, one per status poll, and stops when they run out unless
// holdActive is set.
type fakeDriver struct {
	mu sync.Mutex

	balance      decimal.Decimal
	outcomes     []Outcome
	autoBalances []decimal.Decimal
	holdActive   bool

	failBets        bool
	failBalanceFrom int
	onBet           func(n int)
	onPoll          func(n int)

	active       bool
	bets         []decimal.Decimal
	betAttempts  int
	balanceCalls int
	polls        int
	starts       []StakeConfig
	stops        int
	shots        []string
	listener     func(active bool)
}

func (f *fakeDriver) Login(ctx context.Context, username, password string) error { return nil }

func (f *fakeDriver) NavigateToGame(ctx context.Context, gameID string) error { return nil }

func (f *fakeDriver) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.failBalanceFrom > 0 && f.balanceCalls >= f.failBalanceFrom {
		return decimal.Zero, errors.New("balance element detached")
	}
	return f.balance, nil
}

func (f *fakeDriver) PlaceBet(ctx context.Context, side Side, amount decimal.Decimal) error {
	f.mu.Lock()
	f.betAttempts++
	if f.failBets {
		f.mu.Unlock()
		return actionFailed("click "+string(side), errors.New("element not clickable"))
	}

	outcome := OutcomeLoss
	if len(f.outcomes) > 0 {
		outcome, f.outcomes = f.outcomes[0], f.outcomes[1:]
	}
	switch outcome {
	case OutcomeWin:
		f.balance = f.balance.Add(amount)
	case OutcomeLoss:
		f.balance = f.balance.Sub(amount)
	}
	f.bets = append(f.bets, amount)
	n := len(f.bets)
	hook := f.onBet
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeDriver) StartAutoPlay(ctx context.Context, cfg StakeConfig) error {
	f.mu.Lock()
	f.starts = append(f.starts, cfg)
	f.active = true
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener(true)
	}
	return nil
}

func (f *fakeDriver) StopAutoPlay(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	f.active = false
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) AutoPlayActive(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	if f.active {
		if len(f.autoBalances) > 0 {
			f.balance, f.autoBalances = f.autoBalances[0], f.autoBalances[1:]
		} else if !f.holdActive {
			f.active = false
		}
	}
	active := f.active
	hook := f.onPoll
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return active, nil
}

func (f *fakeDriver) OnStatusChange(callback func(active bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = callback
}

func (f *fakeDriver) Screenshot(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shots = append(f.shots, name)
}

func (f *fakeDriver) Close() {}

// recordingRecovery returns action for every termination it sees.
type recordingRecovery struct {
	action RecoveryAction
	seen   []Termination
}

func (r *recordingRecovery) Mode() RecoveryMode { return RecoveryCustom }

func (r *recordingRecovery) Recover(ctx context.Context, t Termination) (RecoveryAction, error) {
	r.seen = append(r.seen, t)
	return r.action, nil
}

func testOptions(mode string) ControllerOptions {
	return ControllerOptions{
		Mode:          mode,
		PollInterval:  time.Millisecond,
		ActionRetries: 2,
		RetryDelay:    time.Millisecond,
	}
}

func runController(t *testing.T, ctrl *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestControllerManualStopOnLoss(t *testing.T) {
	driver := &fakeDriver{balance: d("100")}
	cfg := martingale()
	cfg.StopOnLoss = d("10")
	recovery := &recordingRecovery{action: ActionHalt}
	metrics := NewMetrics()

	ctrl := NewController(driver, cfg, recovery, testOptions(ModeManual), metrics, testLogger(t))
	runController(t, ctrl)

	sessions := ctrl.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.EndReason != ReasonStopOnLoss {
		t.Errorf("Expected stop-on-loss, got %s", s.EndReason)
	}
	// 1+2+4+8 = 15 lost after four bets.
	if s.BetCount != 4 || !s.Profit.Equal(d("-15")) {
		t.Errorf("Expected 4 bets and -15 profit, got %d and %s", s.BetCount, s.Profit)
	}
	if len(s.History) != s.BetCount {
		t.Errorf("History %d != bet count %d", len(s.History), s.BetCount)
	}

	expected := []string{"1", "2", "4", "8"}
	for i, want := range expected {
		if !driver.bets[i].Equal(d(want)) {
			t.Errorf("Bet %d: expected %s, got %s", i+1, want, driver.bets[i])
		}
	}

	if len(recovery.seen) != 1 || recovery.seen[0].Reason != ReasonStopOnLoss {
		t.Errorf("Expected one recovery call for stop-on-loss, got %v", recovery.seen)
	}
	if got := testutil.ToFloat64(metrics.BetsTotal.WithLabelValues("loss")); got != 4 {
		t.Errorf("Expected 4 losses in metrics, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.SessionsTotal); got != 1 {
		t.Errorf("Expected 1 session in metrics, got %v", got)
	}
}

func TestControllerManualWinResetsStake(t *testing.T) {
	driver := &fakeDriver{
		balance:  d("100"),
		outcomes: []Outcome{OutcomeLoss, OutcomeLoss, OutcomeWin, OutcomePush, OutcomeLoss},
	}
	cfg := martingale()
	cfg.MaxBets = 5

	ctrl := NewController(driver, cfg, &recordingRecovery{}, testOptions(ModeManual), nil, testLogger(t))
	runController(t, ctrl)

	expected := []string{"1", "2", "4", "1", "1"}
	for i, want := range expected {
		if !driver.bets[i].Equal(d(want)) {
			t.Errorf("Bet %d: expected %s, got %s", i+1, want, driver.bets[i])
		}
	}

	s := ctrl.Sessions()[0]
	if s.EndReason != ReasonMaxBets {
		t.Errorf("Expected max-bets, got %s", s.EndReason)
	}
	if s.Wins != 1 || s.Losses != 3 || s.Pushes != 1 {
		t.Errorf("Expected 1/3/1, got %d/%d/%d", s.Wins, s.Losses, s.Pushes)
	}
}

func TestControllerRestartResetsStake(t *testing.T) {
	driver := &fakeDriver{balance: d("100")}
	cfg := martingale()
	cfg.MaxBets = 2

	recovery := Restart{Delay: time.Millisecond, Log: testLogger(t)}
	opts := testOptions(ModeManual)
	opts.MaxRestarts = 2

	ctrl := NewController(driver, cfg, recovery, opts, nil, testLogger(t))
	runController(t, ctrl)

	sessions := ctrl.Sessions()
	if len(sessions) != 3 {
		t.Fatalf("Expected initial session plus 2 restarts, got %d", len(sessions))
	}
	// Each restart drops the doubled bet and starts again from the base.
	expected := []string{"1", "2", "1", "2", "1", "2"}
	for i, want := range expected {
		if !driver.bets[i].Equal(d(want)) {
			t.Errorf("Bet %d: expected %s, got %s", i+1, want, driver.bets[i])
		}
	}
	for i, s := range sessions[1:] {
		if s.ID == sessions[0].ID {
			t.Errorf("Restarted session %d reused the session ID", i+2)
		}
	}

	status := ctrl.Snapshot()
	if status.Restarts != 2 || status.Running {
		t.Errorf("Expected 2 restarts and stopped controller, got %+v", status)
	}
	if len(status.Completed) != 3 || status.Current != nil {
		t.Errorf("Expected 3 completed sessions and no current, got %d and %v", len(status.Completed), status.Current)
	}
}

func TestControllerStakeUpdateDuringSession(t *testing.T) {
	driver := &fakeDriver{balance: d("100")}
	cfg := martingale()
	cfg.MaxBets = 2

	recovery := Restart{Delay: time.Millisecond, Log: testLogger(t)}
	opts := testOptions(ModeManual)
	opts.MaxRestarts = 2

	ctrl := NewController(driver, cfg, recovery, opts, nil, testLogger(t))

	changed := cfg
	changed.BaseBet = d("5")
	driver.onBet = func(n int) {
		if n == 1 {
			if err := ctrl.UpdateStake(changed); err != nil {
				t.Errorf("UpdateStake failed: %v", err)
			}
		}
	}
	runController(t, ctrl)

	sessions := ctrl.Sessions()
	if len(sessions) != 3 {
		t.Fatalf("Expected 3 sessions, got %d", len(sessions))
	}
	if !sessions[0].Stake.BaseBet.Equal(d("1")) {
		t.Errorf("Running session must keep its stake, got %s", sessions[0].Stake.BaseBet)
	}
	for i, s := range sessions[1:] {
		if !s.Stake.BaseBet.Equal(d("5")) {
			t.Errorf("Session %d should use the updated stake, got %s", i+2, s.Stake.BaseBet)
		}
	}

	expected := []string{"1", "2", "5", "10", "5", "10"}
	for i, want := range expected {
		if !driver.bets[i].Equal(d(want)) {
			t.Errorf("Bet %d: expected %s, got %s", i+1, want, driver.bets[i])
		}
	}
}

func TestControllerRejectsInvalidStakeUpdate(t *testing.T) {
	ctrl := NewController(&fakeDriver{}, martingale(), &recordingRecovery{}, testOptions(ModeManual), nil, testLogger(t))

	bad := martingale()
	bad.BaseBet = decimal.Zero
	if err := ctrl.UpdateStake(bad); err == nil {
		t.Error("Expected validation error")
	}
	if !ctrl.ActiveStake().BaseBet.Equal(d("1")) {
		t.Error("Invalid update must not change the active stake")
	}
}

func TestControllerActionFailureDoesNotRestart(t *testing.T) {
	driver := &fakeDriver{balance: d("100"), failBets: true}
	recovery := Restart{Delay: time.Millisecond, Log: testLogger(t)}
	metrics := NewMetrics()

	ctrl := NewController(driver, martingale(), recovery, testOptions(ModeManual), metrics, testLogger(t))
	runController(t, ctrl)

	sessions := ctrl.Sessions()
	if len(sessions) != 1 || sessions[0].EndReason != ReasonActionFailure {
		t.Fatalf("Expected one action-failure session, got %v", sessions)
	}
	if driver.betAttempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", driver.betAttempts)
	}
	if got := testutil.ToFloat64(metrics.ActionFailures.WithLabelValues("place_bet")); got != 1 {
		t.Errorf("Expected 1 action failure in metrics, got %v", got)
	}
	if len(driver.shots) != 1 || driver.shots[0] != "bet_error" {
		t.Errorf("Expected bet_error screenshot, got %v", driver.shots)
	}
}

func TestControllerInsufficientBalance(t *testing.T) {
	driver := &fakeDriver{balance: d("0.5")}
	recovery := &recordingRecovery{action: ActionHalt}

	ctrl := NewController(driver, martingale(), recovery, testOptions(ModeManual), nil, testLogger(t))
	runController(t, ctrl)

	if len(driver.bets) != 0 {
		t.Errorf("No bet should be placed, got %d", len(driver.bets))
	}
	term := recovery.seen[0]
	if term.Reason != ReasonInsufficientBalance || term.Err == nil {
		t.Errorf("Expected insufficient-balance with error, got %s, %v", term.Reason, term.Err)
	}
}

func TestControllerManualHalt(t *testing.T) {
	driver := &fakeDriver{balance: d("100")}
	recovery := &recordingRecovery{action: ActionRestart}

	ctrl := NewController(driver, martingale(), recovery, testOptions(ModeManual), nil, testLogger(t))
	driver.onBet = func(n int) {
		if n == 2 {
			ctrl.Halt()
		}
	}
	runController(t, ctrl)

	if len(recovery.seen) != 0 {
		t.Errorf("Operator halt must not run recovery, got %v", recovery.seen)
	}
	s := ctrl.Sessions()[0]
	if s.EndReason != ReasonOperatorHalt || s.BetCount != 2 {
		t.Errorf("Expected operator-halt after 2 bets, got %s after %d", s.EndReason, s.BetCount)
	}

	// Halt is idempotent.
	ctrl.Halt()
}

func TestControllerStartingBalanceFailure(t *testing.T) {
	driver := &fakeDriver{failBalanceFrom: 1}
	ctrl := NewController(driver, martingale(), &recordingRecovery{}, testOptions(ModeManual), nil, testLogger(t))

	if err := ctrl.Run(context.Background()); err == nil {
		t.Error("Expected error when the starting balance cannot be read")
	}
}

func TestControllerManualBalanceReadFailure(t *testing.T) {
	driver := &fakeDriver{balance: d("100"), failBalanceFrom: 2}
	recovery := &recordingRecovery{action: ActionHalt}

	ctrl := NewController(driver, martingale(), recovery, testOptions(ModeManual), nil, testLogger(t))
	runController(t, ctrl)

	term := recovery.seen[0]
	if term.Reason != ReasonMonitoringError || !isMonitoringFailure(term.Err) {
		t.Errorf("Expected monitoring-error, got %s, %v", term.Reason, term.Err)
	}
}

func TestControllerBalanceFailureAfterRestart(t *testing.T) {
	// Session 1: start balance plus two bets. Session 2 fails its first read.
	driver := &fakeDriver{balance: d("100"), failBalanceFrom: 4}
	cfg := martingale()
	cfg.MaxBets = 2

	recovery := Restart{Delay: time.Millisecond, RestartAfterFailure: true, Log: testLogger(t)}
	opts := testOptions(ModeManual)
	opts.ActionRetries = 1
	opts.MaxRestarts = 2
	metrics := NewMetrics()

	ctrl := NewController(driver, cfg, recovery, opts, metrics, testLogger(t))
	runController(t, ctrl)

	sessions := ctrl.Sessions()
	if len(sessions) != 3 {
		t.Fatalf("Expected 3 sessions, got %d", len(sessions))
	}
	if sessions[0].EndReason != ReasonMaxBets {
		t.Errorf("Expected max-bets for the first session, got %s", sessions[0].EndReason)
	}
	for i, s := range sessions[1:] {
		if s.EndReason != ReasonMonitoringError {
			t.Errorf("Session %d: expected monitoring-error, got %s", i+2, s.EndReason)
		}
		if !s.CurrentBalance.Equal(d("97")) {
			t.Errorf("Session %d: expected last known balance 97, got %s", i+2, s.CurrentBalance)
		}
	}
	if got := testutil.ToFloat64(metrics.TerminationsTotal.WithLabelValues(string(ReasonMonitoringError))); got != 2 {
		t.Errorf("Expected 2 monitoring-error terminations, got %v", got)
	}
}

func TestControllerAutoPlayStoppedBySite(t *testing.T) {
	driver := &fakeDriver{
		balance:      d("10"),
		autoBalances: []decimal.Decimal{d("9.5"), d("10.2")},
	}
	recovery := &recordingRecovery{action: ActionHalt}
	metrics := NewMetrics()

	ctrl := NewController(driver, martingale(), recovery, testOptions(ModeAuto), metrics, testLogger(t))
	runController(t, ctrl)

	if len(driver.starts) != 1 {
		t.Fatalf("Expected autoplay to start once, got %d", len(driver.starts))
	}
	s := ctrl.Sessions()[0]
	if s.EndReason != ReasonAutoPlayStopped {
		t.Errorf("Expected autoplay-stopped, got %s", s.EndReason)
	}
	if !s.Profit.Equal(d("0.2")) {
		t.Errorf("Expected profit 0.2, got %s", s.Profit)
	}
	if s.BetCount != 0 || len(s.History) != 0 {
		t.Error("Autoplay sessions observe the balance only")
	}
	if got := testutil.ToFloat64(metrics.AutoPlayActive); got != 1 {
		t.Errorf("Expected status listener to set autoplay gauge, got %v", got)
	}
}

func TestControllerAutoPlayStopOnLoss(t *testing.T) {
	driver := &fakeDriver{
		balance:      d("10"),
		autoBalances: []decimal.Decimal{d("9"), d("5")},
		holdActive:   true,
	}
	cfg := martingale()
	cfg.StopOnLoss = d("4")
	recovery := &recordingRecovery{action: ActionHalt}

	ctrl := NewController(driver, cfg, recovery, testOptions(ModeAuto), nil, testLogger(t))
	runController(t, ctrl)

	if recovery.seen[0].Reason != ReasonStopOnLoss {
		t.Errorf("Expected stop-on-loss, got %s", recovery.seen[0].Reason)
	}
	if driver.stops != 1 {
		t.Errorf("Expected autoplay to be stopped once, got %d", driver.stops)
	}
}

func TestControllerAutoPlayMonitoringError(t *testing.T) {
	driver := &fakeDriver{
		balance:         d("10"),
		holdActive:      true,
		failBalanceFrom: 3,
	}
	recovery := &recordingRecovery{action: ActionHalt}

	ctrl := NewController(driver, martingale(), recovery, testOptions(ModeAuto), nil, testLogger(t))
	runController(t, ctrl)

	term := recovery.seen[0]
	if term.Reason != ReasonMonitoringError || !isMonitoringFailure(term.Err) {
		t.Errorf("Expected monitoring-error, got %s, %v", term.Reason, term.Err)
	}
	if driver.stops != 1 {
		t.Errorf("Expected autoplay to be stopped after the error, got %d", driver.stops)
	}
	if len(driver.shots) == 0 || driver.shots[0] != "monitoring_error" {
		t.Errorf("Expected monitoring_error screenshot, got %v", driver.shots)
	}
}

func TestControllerAutoPlayHalt(t *testing.T) {
	driver := &fakeDriver{balance: d("10"), holdActive: true}
	recovery := &recordingRecovery{action: ActionRestart}

	ctrl := NewController(driver, martingale(), recovery, testOptions(ModeAuto), nil, testLogger(t))
	driver.onPoll = func(n int) {
		if n == 3 {
			ctrl.Halt()
		}
	}
	runController(t, ctrl)

	if len(recovery.seen) != 0 {
		t.Errorf("Operator halt must not run recovery")
	}
	if ctrl.Sessions()[0].EndReason != ReasonOperatorHalt {
		t.Errorf("Expected operator-halt, got %s", ctrl.Sessions()[0].EndReason)
	}
	if driver.stops != 1 {
		t.Errorf("Expected autoplay to be stopped on halt, got %d", driver.stops)
	}
}

func TestControllerContextCancel(t *testing.T) {
	driver := &fakeDriver{balance: d("10"), holdActive: true}
	recovery := &recordingRecovery{action: ActionRestart}

	ctx, cancel := context.WithCancel(context.Background())
	driver.onPoll = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	ctrl := NewController(driver, martingale(), recovery, testOptions(ModeAuto), nil, testLogger(t))
	if err := ctrl.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ctrl.Sessions()[0].EndReason != ReasonOperatorHalt {
		t.Errorf("Expected operator-halt, got %s", ctrl.Sessions()[0].EndReason)
	}
}

func TestControllerOptionsFromConfig(t *testing.T) {
	config := DefaultConfig()
	config.Stake.Mode = ModeManual
	config.Recovery.MaxRestarts = 4

	opts := controllerOptions(config)
	if opts.Mode != ModeManual || opts.MaxRestarts != 4 || opts.PollInterval != 5*time.Second {
		t.Errorf("Unexpected options %+v", opts)
	}
}
