package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Automation drives the casino site in a real Chrome via rod.
type Automation struct {
	config   *Config
	log      *zap.Logger
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	rand     *rand.Rand
	stopChan chan bool
	closed   sync.Once

	mu              sync.Mutex
	listeners       []func(active bool)
	autoPlayActive  bool
	onBrowserClosed func()
}

func NewAutomation(config *Config, log *zap.Logger) *Automation {
	return &Automation{
		config:   config,
		log:      log,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		stopChan: make(chan bool, 1),
	}
}

// Close is safe to call more than once.
func (a *Automation) Close() {
	a.closed.Do(func() {
		select {
		case a.stopChan <- true:
		default:
		}

		fmt.Println(T("cleaning_up"))

		if a.page != nil {
			a.page.Close()
		}

		if a.browser != nil {
			a.browser.Close()
		}

		if a.launcher != nil {
			a.launcher.Cleanup()
		}

		fmt.Println(T("browser_destroyed"))
	})
}

// OnBrowserClosed registers fn to run once when the user closes the browser.
func (a *Automation) OnBrowserClosed(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onBrowserClosed = fn
}

func (a *Automation) isBrowserAlive() bool {
	if a.browser == nil {
		return false
	}

	_, err := a.browser.Version()
	if err != nil {
		a.log.Debug("browser version check failed", zap.Error(err))
		return false
	}

	if a.page != nil {
		_, err := a.page.Info()
		if err != nil {
			a.log.Debug("page info check failed", zap.Error(err))
			return false
		}
	}

	return true
}

func (a *Automation) watchBrowser() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			if a.isBrowserAlive() {
				continue
			}
			fmt.Println(T("browser_closed_by_user"))
			a.mu.Lock()
			fn := a.onBrowserClosed
			a.mu.Unlock()
			if fn != nil {
				fn()
			}
			return
		}
	}
}

// humanPause sleeps 150-400ms between UI interactions.
func (a *Automation) humanPause() {
	time.Sleep(time.Duration(150+a.rand.Intn(250)) * time.Millisecond)
}

func (a *Automation) setupBrowser() error {
	fmt.Println(T("browser_launching"))

	// Disable leakless mode on Windows to prevent deadlock
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	chromePath, chromeExists := launcher.LookPath()

	a.launcher = launcher.New().
		Leakless(useLeakless).
		Headless(a.config.Browser.Headless).
		Set("window-size", fmt.Sprintf("%d,%d", a.config.Browser.ViewportWidth, a.config.Browser.ViewportHeight))

	// Must be set before Bin()
	if a.config.Browser.ProfilePath != "" {
		a.launcher = a.launcher.UserDataDir(a.config.Browser.ProfilePath)
		a.log.Debug("browser profile path set", zap.String("path", a.config.Browser.ProfilePath))
	}

	if chromeExists {
		a.launcher = a.launcher.Bin(chromePath)
		fmt.Println(T("browser_using_system_chrome"))
		a.log.Debug("chrome path set", zap.String("path", chromePath))
	} else {
		fmt.Println(T("browser_chrome_not_found"))
	}

	url, err := a.launcher.Launch()
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "ProcessSingleton") || strings.Contains(errMsg, "SingletonLock") {
			fmt.Println(T("error_chrome_already_running"))
			return fmt.Errorf("browser profile is locked by a running Chrome: %w", err)
		}
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	a.browser = rod.New().ControlURL(url)
	if err := a.browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	a.page, err = stealth.Page(a.browser)
	if err != nil {
		return fmt.Errorf("failed to create stealth page: %w", err)
	}

	err = a.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  a.config.Browser.ViewportWidth,
		Height: a.config.Browser.ViewportHeight,
	})
	if err != nil {
		a.log.Debug("failed to set viewport", zap.Error(err))
	}

	go a.watchBrowser()

	fmt.Println(T("browser_launched"))
	return nil
}

func (a *Automation) pageFor(ctx context.Context, timeout time.Duration) *rod.Page {
	return a.page.Context(ctx).Timeout(timeout)
}

// findElement tries the CSS selector list first and falls back to elements
// of textTag whose text matches textPattern.
func (a *Automation) findElement(ctx context.Context, selector, textTag, textPattern string) (*rod.Element, error) {
	timeout := a.config.Browser.ActionTimeout

	var errs []error
	if selector != "" {
		el, err := a.pageFor(ctx, timeout).Element(selector)
		if err == nil {
			return el, nil
		}
		errs = append(errs, fmt.Errorf("selector %q: %w", selector, err))
	}
	if textPattern != "" {
		el, err := a.pageFor(ctx, timeout).ElementR(textTag, textPattern)
		if err == nil {
			return el, nil
		}
		errs = append(errs, fmt.Errorf("%s matching /%s/: %w", textTag, textPattern, err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no selector configured")
	}
	return nil, errors.Join(errs...)
}

func (a *Automation) click(ctx context.Context, name, selector, textTag, textPattern string) error {
	el, err := a.findElement(ctx, selector, textTag, textPattern)
	if err != nil {
		return actionFailed("find "+name, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return actionFailed("click "+name, err)
	}
	a.log.Debug("clicked", zap.String("element", name))
	return nil
}

func (a *Automation) Login(ctx context.Context, username, password string) error {
	fmt.Println(T("logging_in"))
	sel := a.config.Selectors
	page := a.pageFor(ctx, a.config.Browser.NavigationTimeout)

	if err := page.Navigate(a.config.Site.LoginURL); err != nil {
		return actionFailed("open login page", err)
	}
	if err := page.WaitLoad(); err != nil {
		return actionFailed("load login page", err)
	}
	a.Screenshot("login_page")

	email, err := page.Element(sel.EmailInput)
	if err != nil {
		return actionFailed("find email input", err)
	}
	if err := email.Input(username); err != nil {
		return actionFailed("type username", err)
	}
	a.humanPause()

	pass, err := page.Element(sel.PasswordInput)
	if err != nil {
		return actionFailed("find password input", err)
	}
	if err := pass.Input(password); err != nil {
		return actionFailed("type password", err)
	}
	a.humanPause()

	if err := a.click(ctx, "login button", sel.LoginSubmit, "button", `Sign In|Log In|Login`); err != nil {
		return err
	}

	_, err = a.pageFor(ctx, a.config.Browser.LoginTimeout).Element(sel.Balance)
	if err != nil {
		msg := a.loginErrorText(ctx)
		a.Screenshot("login_failed")
		if msg != "" {
			a.log.Error("login error", zap.String("message", msg))
			err = fmt.Errorf("%s: %w", msg, err)
		}
		return &VerificationFailure{Check: "balance indicator after login", Err: err}
	}

	fmt.Println(T("login_successful"))
	a.Screenshot("login_successful")

	if a.captchaPresent(ctx) {
		a.log.Warn("CAPTCHA detected, manual intervention required", zap.Duration("wait", a.config.Browser.CaptchaWait))
		fmt.Println(T("captcha_detected"))
		if !sleepContext(ctx, a.config.Browser.CaptchaWait) {
			return ctx.Err()
		}
	}
	return nil
}

func (a *Automation) loginErrorText(ctx context.Context) string {
	has, el, err := a.page.Context(ctx).Has(a.config.Selectors.LoginError)
	if err != nil || !has {
		return ""
	}
	text, err := el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

func (a *Automation) captchaPresent(ctx context.Context) bool {
	has, _, err := a.page.Context(ctx).Has(a.config.Selectors.CaptchaIndicator)
	if err == nil && has {
		return true
	}
	res, err := a.page.Context(ctx).Eval(`() => document.body.textContent.includes('CAPTCHA') || document.body.innerHTML.includes('captcha')`)
	return err == nil && res.Value.Bool()
}

func (a *Automation) NavigateToGame(ctx context.Context, gameID string) error {
	fmt.Printf(T("navigating_to_game")+"\n", gameID)
	gameURL := strings.TrimRight(a.config.Site.BaseURL, "/") + "/casino/games/" + gameID
	page := a.pageFor(ctx, a.config.Browser.NavigationTimeout)

	if err := page.Navigate(gameURL); err != nil {
		return actionFailed("open game page", err)
	}
	if err := page.WaitLoad(); err != nil {
		return actionFailed("load game page", err)
	}

	if _, err := page.Element(a.config.Selectors.GameContainer); err != nil {
		a.Screenshot("navigation_failed")
		return &VerificationFailure{Check: "game container on " + gameURL, Err: err}
	}

	if has, el, err := a.page.Context(ctx).HasR("button", a.config.Selectors.PlayButtonText); err == nil && has {
		if err := el.Click(proto.InputMouseButtonLeft, 1); err == nil {
			a.log.Debug("clicked play button")
			if !sleepContext(ctx, a.config.Browser.GameStartDelay) {
				return ctx.Err()
			}
		}
	}

	fmt.Println(T("game_loaded"))
	a.Screenshot("game_loaded")
	return nil
}

func (a *Automation) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	el, err := a.pageFor(ctx, a.config.Browser.ActionTimeout).Element(a.config.Selectors.Balance)
	if err != nil {
		return decimal.Zero, actionFailed("find balance", err)
	}
	text, err := el.Text()
	if err != nil {
		return decimal.Zero, actionFailed("read balance", err)
	}
	balance, err := parseBalance(text)
	if err != nil {
		return decimal.Zero, actionFailed("parse balance", err)
	}
	a.log.Debug("current balance", zap.Stringer("balance", balance))
	return balance, nil
}

var balanceNumber = regexp.MustCompile(`-?(?:\d+(?:\.\d+)?|\.\d+)`)

// parseBalance extracts the first number from a balance label like
// "0.00100000 BTC" or "0.001 BTC ($30.00)".
func parseBalance(text string) (decimal.Decimal, error) {
	match := balanceNumber.FindString(strings.ReplaceAll(text, ",", ""))
	if match == "" {
		return decimal.Zero, fmt.Errorf("no number in balance text %q", text)
	}
	return decimal.NewFromString(match)
}

func (a *Automation) sideSelector(side Side) string {
	switch side {
	case SidePlayer:
		return a.config.Selectors.PlayerArea
	case SideTie:
		return a.config.Selectors.TieArea
	}
	return a.config.Selectors.BankerArea
}

func (a *Automation) PlaceBet(ctx context.Context, side Side, amount decimal.Decimal) error {
	a.log.Info("placing bet", zap.String("side", string(side)), zap.Stringer("amount", amount))
	sel := a.config.Selectors

	if err := a.click(ctx, string(side)+" area", a.sideSelector(side), "", ""); err != nil {
		a.Screenshot("bet_error")
		return err
	}
	a.selectChip(ctx, a.config.Stake.ChipValue)
	if err := a.setBetAmount(ctx, amount); err != nil {
		a.Screenshot("bet_error")
		return err
	}
	a.humanPause()
	if err := a.click(ctx, "confirm bet", sel.ConfirmBet, "button", sel.ConfirmBetText); err != nil {
		a.Screenshot("bet_error")
		return err
	}

	a.Screenshot("bet_placed_" + string(side))
	return nil
}

// selectChip clicks the chip whose value matches, falling back to the first
// chip on the table. A missing chip row is not an error.
func (a *Automation) selectChip(ctx context.Context, value decimal.Decimal) {
	chips, err := a.page.Context(ctx).Elements(a.config.Selectors.Chip)
	if err != nil || len(chips) == 0 {
		a.log.Debug("no chips found", zap.Error(err))
		return
	}

	target := value.String()
	for _, chip := range chips {
		label := ""
		if attr, err := chip.Attribute("data-value"); err == nil && attr != nil {
			label = *attr
		} else if text, err := chip.Text(); err == nil {
			label = text
		}
		if strings.Contains(label, target) {
			if err := chip.Click(proto.InputMouseButtonLeft, 1); err == nil {
				a.log.Debug("selected chip", zap.String("value", target))
				return
			}
		}
	}

	a.log.Warn("chip value not found, selecting first available chip", zap.String("value", target))
	_ = chips[0].Click(proto.InputMouseButtonLeft, 1)
}

func (a *Automation) setBetAmount(ctx context.Context, amount decimal.Decimal) error {
	input, err := a.pageFor(ctx, a.config.Browser.ActionTimeout).Element(a.config.Selectors.BetAmountInput)
	if err != nil {
		return actionFailed("find bet amount input", err)
	}
	if err := input.SelectAllText(); err != nil {
		return actionFailed("clear bet amount", err)
	}
	if err := input.Input(amount.String()); err != nil {
		return actionFailed("type bet amount", err)
	}
	return nil
}

// autoBetScript fills labelled inputs of the autobet form. It returns the
// labels it could not find.
const autoBetScript = `(cfg) => {
	const findInput = (label) => {
		const nodes = Array.from(document.querySelectorAll(cfg.section));
		const node = nodes.find(n => n.textContent.trim().startsWith(label));
		if (!node) return null;
		const scope = node.closest('div') || node.parentElement;
		return scope ? scope.querySelector('input') : null;
	};
	const setter = Object.getOwnPropertyDescriptor(HTMLInputElement.prototype, 'value').set;
	const missing = [];
	for (const [label, value] of cfg.fields) {
		const input = findInput(label);
		if (!input) { missing.push(label); continue; }
		setter.call(input, value);
		input.dispatchEvent(new Event('input', { bubbles: true }));
		input.dispatchEvent(new Event('change', { bubbles: true }));
	}
	return missing;
}`

func autoBetFields(cfg StakeConfig) [][2]string {
	return [][2]string{
		{"Bet Amount", cfg.BaseBet.String()},
		{"Number of Bets", fmt.Sprintf("%d", cfg.MaxBets)},
		{"On Win", cfg.OnWin.Value.String()},
		{"On Loss", cfg.OnLoss.Value.String()},
		{"Stop on Profit", cfg.StopOnProfit.String()},
		{"Stop on Loss", cfg.StopOnLoss.String()},
	}
}

func (a *Automation) StartAutoPlay(ctx context.Context, cfg StakeConfig) error {
	fmt.Println(T("autobet_starting"))
	sel := a.config.Selectors

	if err := a.click(ctx, "auto tab", sel.AutoTab, "button", sel.AutoTabText); err != nil {
		return err
	}
	a.humanPause()

	if cfg.OnWin.Kind == AdjustFixed || cfg.OnLoss.Kind == AdjustFixed {
		a.log.Warn("site autobet only supports percentage adjustments, fixed values are entered as percentages")
	}

	a.selectChip(ctx, cfg.ChipValue)

	res, err := a.page.Context(ctx).Eval(autoBetScript, map[string]interface{}{
		"section": sel.AutoSection,
		"fields":  autoBetFields(cfg),
	})
	if err != nil {
		a.Screenshot("autobet_config_error")
		return actionFailed("configure autobet", err)
	}
	for _, missing := range res.Value.Arr() {
		label := missing.Str()
		if label == "Bet Amount" {
			a.Screenshot("autobet_config_error")
			return actionFailed("configure autobet", fmt.Errorf("bet amount input not found"))
		}
		a.log.Warn("autobet field not found", zap.String("field", label))
	}

	if err := a.click(ctx, string(cfg.Side)+" area", a.sideSelector(cfg.Side), "", ""); err != nil {
		return err
	}
	a.humanPause()

	if err := a.click(ctx, "start autobet", sel.StartAutoPlay, "button", sel.StartAutoText); err != nil {
		a.Screenshot("start_autobet_error")
		return err
	}

	a.setActive(true)
	fmt.Println(T("autobet_started"))
	a.Screenshot("autobet_started")
	return nil
}

func (a *Automation) StopAutoPlay(ctx context.Context) error {
	a.mu.Lock()
	active := a.autoPlayActive
	a.mu.Unlock()
	if !active {
		a.log.Info("autobet is not active")
		return nil
	}

	sel := a.config.Selectors
	if err := a.click(ctx, "stop autobet", sel.StopAutoPlay, "button", sel.StopAutoText); err != nil {
		a.log.Warn("stop button not found, autobet may have already stopped", zap.Error(err))
	}

	a.setActive(false)
	fmt.Println(T("autobet_stopped"))
	a.Screenshot("autobet_manually_stopped")
	return nil
}

func (a *Automation) AutoPlayActive(ctx context.Context) (bool, error) {
	page := a.page.Context(ctx)
	has, _, err := page.Has(a.config.Selectors.AutoPlayRunning)
	if err != nil {
		return false, actionFailed("check autobet status", err)
	}
	if !has {
		has, _, err = page.HasR("button", a.config.Selectors.StopAutoText)
		if err != nil {
			return false, actionFailed("check autobet status", err)
		}
	}
	a.setActive(has)
	return has, nil
}

func (a *Automation) OnStatusChange(callback func(active bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, callback)
}

func (a *Automation) setActive(active bool) {
	a.mu.Lock()
	changed := a.autoPlayActive != active
	a.autoPlayActive = active
	listeners := append([]func(bool){}, a.listeners...)
	a.mu.Unlock()

	if !changed {
		return
	}
	for _, l := range listeners {
		l(active)
	}
}

func (a *Automation) Screenshot(name string) {
	if !a.config.Screenshots.Enabled || a.page == nil {
		return
	}

	if err := os.MkdirAll(a.config.Screenshots.Dir, 0755); err != nil {
		a.log.Error("failed to create screenshot dir", zap.Error(err))
		return
	}

	data, err := a.page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		a.log.Error("failed to take screenshot", zap.Error(err))
		return
	}

	path := screenshotPath(a.config.Screenshots.Dir, name, time.Now())
	if err := os.WriteFile(path, data, 0644); err != nil {
		a.log.Error("failed to save screenshot", zap.Error(err))
		return
	}
	a.log.Debug("screenshot saved", zap.String("path", path))
}

func screenshotPath(dir, name string, at time.Time) string {
	stamp := at.UTC().Format("2006-01-02T15-04-05.000Z")
	return filepath.Join(dir, fmt.Sprintf("%s_%s.png", name, strings.ReplaceAll(stamp, ".", "-")))
}
