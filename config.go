package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

type Config struct {
	Site        SiteConfig       `yaml:"site"`
	Stake       StakeSettings    `yaml:"stake"`
	Recovery    RecoveryConfig   `yaml:"recovery"`
	Monitor     MonitorConfig    `yaml:"monitor"`
	Browser     BrowserConfig    `yaml:"browser"`
	Selectors   SelectorConfig   `yaml:"selectors"`
	Notify      NotifyConfig     `yaml:"notify"`
	Control     ControlConfig    `yaml:"control"`
	Screenshots ScreenshotConfig `yaml:"screenshots"`
	Simulation  SimulationConfig `yaml:"simulation"`

	LogLevel  string `yaml:"log_level"`
	DryRun    bool   `yaml:"dry_run"`
	DebugMode bool   `yaml:"debug_mode"`

	// Credentials come from the environment only and are never saved.
	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

type SiteConfig struct {
	BaseURL  string `yaml:"base_url"`
	LoginURL string `yaml:"login_url"`
	GameID   string `yaml:"game_id"`
}

type StakeSettings struct {
	Mode         string          `yaml:"mode"`
	BetAmount    decimal.Decimal `yaml:"bet_amount"`
	ChipValue    decimal.Decimal `yaml:"chip_value"`
	Side         Side            `yaml:"side"`
	OnWin        Adjustment      `yaml:"on_win"`
	OnLoss       Adjustment      `yaml:"on_loss"`
	StopOnProfit decimal.Decimal `yaml:"stop_on_profit"`
	StopOnLoss   decimal.Decimal `yaml:"stop_on_loss"`
	MaxBets      int             `yaml:"max_bets"`
	Precision    int32           `yaml:"precision"`
}

type RecoveryConfig struct {
	Mode                RecoveryMode  `yaml:"mode"`
	RestartDelay        time.Duration `yaml:"restart_delay"`
	RestartAfterFailure bool          `yaml:"restart_after_failure"`
	MaxRestarts         int           `yaml:"max_restarts"`
	CustomCommand       string        `yaml:"custom_command"`
	CustomArgs          []string      `yaml:"custom_args"`
}

type MonitorConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	RoundDelay    time.Duration `yaml:"round_delay"`
	ActionRetries int           `yaml:"action_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type BrowserConfig struct {
	ProfilePath       string        `yaml:"profile_path"`
	Headless          bool          `yaml:"headless"`
	KeepBrowserOpen   bool          `yaml:"keep_browser_open"`
	ViewportWidth     int           `yaml:"viewport_width"`
	ViewportHeight    int           `yaml:"viewport_height"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `yaml:"action_timeout"`
	LoginTimeout      time.Duration `yaml:"login_timeout"`
	CaptchaWait       time.Duration `yaml:"captcha_wait"`
	GameStartDelay    time.Duration `yaml:"game_start_delay"`
}

// SelectorConfig holds comma-separated CSS selector lists. *Text fields are
// JavaScript regular expressions matched against button labels when no
// selector hits.
type SelectorConfig struct {
	EmailInput       string `yaml:"email_input"`
	PasswordInput    string `yaml:"password_input"`
	LoginSubmit      string `yaml:"login_submit"`
	LoginError       string `yaml:"login_error"`
	Balance          string `yaml:"balance"`
	GameContainer    string `yaml:"game_container"`
	PlayButtonText   string `yaml:"play_button_text"`
	BankerArea       string `yaml:"banker_area"`
	PlayerArea       string `yaml:"player_area"`
	TieArea          string `yaml:"tie_area"`
	Chip             string `yaml:"chip"`
	BetAmountInput   string `yaml:"bet_amount_input"`
	ConfirmBet       string `yaml:"confirm_bet"`
	ConfirmBetText   string `yaml:"confirm_bet_text"`
	AutoTab          string `yaml:"auto_tab"`
	AutoTabText      string `yaml:"auto_tab_text"`
	AutoSection      string `yaml:"auto_section"`
	StartAutoPlay    string `yaml:"start_autoplay"`
	StartAutoText    string `yaml:"start_autoplay_text"`
	StopAutoPlay     string `yaml:"stop_autoplay"`
	StopAutoText     string `yaml:"stop_autoplay_text"`
	AutoPlayRunning  string `yaml:"autoplay_running"`
	CaptchaIndicator string `yaml:"captcha_indicator"`
}

type NotifyConfig struct {
	WebhookURL   string `yaml:"webhook_url"`
	KafkaBrokers string `yaml:"kafka_brokers"`
	KafkaTopic   string `yaml:"kafka_topic"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
}

// SimulationConfig drives the in-process table used by dry runs.
type SimulationConfig struct {
	StartingBalance decimal.Decimal `yaml:"starting_balance"`
	Seed            int64           `yaml:"seed"`
}

type ScreenshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		Site: SiteConfig{
			BaseURL:  "https://stake.com",
			LoginURL: "https://stake.com/login",
			GameID:   "baccarat",
		},
		Stake: StakeSettings{
			Mode:         ModeAuto,
			BetAmount:    decimal.RequireFromString("0.00000001"),
			ChipValue:    decimal.RequireFromString("0.00000001"),
			Side:         SideBanker,
			OnWin:        Adjustment{Kind: AdjustPercentage, Value: decimal.Zero},
			OnLoss:       Adjustment{Kind: AdjustPercentage, Value: decimal.NewFromInt(100)},
			StopOnProfit: decimal.Zero,
			StopOnLoss:   decimal.RequireFromString("0.00000064"),
			MaxBets:      0,
			Precision:    8,
		},
		Recovery: RecoveryConfig{
			Mode:         RecoveryRestart,
			RestartDelay: 5 * time.Second,
			MaxRestarts:  0,
		},
		Monitor: MonitorConfig{
			PollInterval:  5 * time.Second,
			RoundDelay:    3 * time.Second,
			ActionRetries: 3,
			RetryDelay:    time.Second,
		},
		Browser: BrowserConfig{
			ProfilePath:       filepath.Join(userDataDir, "browser-profile"),
			Headless:          false,
			KeepBrowserOpen:   false,
			ViewportWidth:     1366,
			ViewportHeight:    768,
			NavigationTimeout: 30 * time.Second,
			ActionTimeout:     5 * time.Second,
			LoginTimeout:      15 * time.Second,
			CaptchaWait:       30 * time.Second,
			GameStartDelay:    5 * time.Second,
		},
		Selectors: SelectorConfig{
			EmailInput:       `input[type="email"], input[name="emailOrUsername"]`,
			PasswordInput:    `input[type="password"]`,
			LoginSubmit:      `button[type="submit"]`,
			LoginError:       `.error, .error-message, [class*="error"]`,
			Balance:          `[data-test="balance"], .balance-amount, .balance-value`,
			GameContainer:    `.game-container, .game-wrapper, [data-test="game-container"]`,
			PlayButtonText:   `^\s*(Play|Play Now|Start)\s*$`,
			BankerArea:       `[data-bet="banker"], .banker-bet-area, [data-role="banker"]`,
			PlayerArea:       `[data-bet="player"], .player-bet-area, [data-role="player"]`,
			TieArea:          `[data-bet="tie"], .tie-bet-area, [data-role="tie"]`,
			Chip:             `[data-value], .chip, [class*="chip"]`,
			BetAmountInput:   `input[type="number"], .bet-amount-input, [data-test="bet-amount"]`,
			ConfirmBet:       `[data-test="confirm-bet"], .confirm-bet-button`,
			ConfirmBetText:   `Confirm|Place Bet|Bet`,
			AutoTab:          `button[data-test="auto-tab"], [role="tab"][data-value="auto"]`,
			AutoTabText:      `^\s*Auto\s*$`,
			AutoSection:      `label, span, div`,
			StartAutoPlay:    `button[data-test="start-autobet"], button.start-button`,
			StartAutoText:    `Start Autobet|Start Auto`,
			StopAutoPlay:     `button[data-test="stop-autobet"], button.stop-button`,
			StopAutoText:     `Stop Autobet|Stop|Cancel`,
			AutoPlayRunning:  `[data-test="stop-autobet"], [data-state="running"], [data-active="true"]`,
			CaptchaIndicator: `iframe[src*="captcha"], iframe[title*="challenge"]`,
		},
		Screenshots: ScreenshotConfig{
			Enabled: true,
			Dir:     "./screenshots",
		},
		Simulation: SimulationConfig{
			StartingBalance: decimal.RequireFromString("0.001"),
			Seed:            0,
		},
		LogLevel:  "info",
		DryRun:    false,
		DebugMode: false,
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.Browser.ProfilePath != "" {
		if err := os.MkdirAll(config.Browser.ProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// StakeConfig snapshots the staking section into the immutable value the
// controller works with.
func (c *Config) StakeConfig() StakeConfig {
	return StakeConfig{
		BaseBet:      c.Stake.BetAmount,
		ChipValue:    c.Stake.ChipValue,
		OnWin:        c.Stake.OnWin,
		OnLoss:       c.Stake.OnLoss,
		StopOnProfit: c.Stake.StopOnProfit,
		StopOnLoss:   c.Stake.StopOnLoss,
		MaxBets:      c.Stake.MaxBets,
		Side:         c.Stake.Side,
		Recovery:     c.Recovery.Mode,
		Precision:    c.Stake.Precision,
	}
}

func (c *Config) Validate() error {
	if err := c.StakeConfig().Validate(); err != nil {
		return fmt.Errorf("stake: %w", err)
	}
	if c.Stake.Mode != ModeAuto && c.Stake.Mode != ModeManual {
		return fmt.Errorf("stake: unknown mode %q (use %q or %q)", c.Stake.Mode, ModeAuto, ModeManual)
	}
	if !c.Recovery.Mode.Valid() {
		return fmt.Errorf("recovery: unknown mode %q", c.Recovery.Mode)
	}
	if c.Recovery.Mode == RecoveryCustom && c.Recovery.CustomCommand == "" {
		return fmt.Errorf("recovery: custom mode requires custom_command")
	}
	if c.Recovery.MaxRestarts < 0 {
		return fmt.Errorf("recovery: max_restarts must not be negative")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor: poll_interval must be positive")
	}
	if c.Monitor.ActionRetries < 1 {
		return fmt.Errorf("monitor: action_retries must be at least 1")
	}
	if !c.DryRun && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("missing credentials: set STAKE_USERNAME and STAKE_PASSWORD")
	}
	return nil
}
