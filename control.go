package main

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ControlServer exposes the controller to local tooling: status, halt,
// stake changes for the next session and Prometheus metrics.
type ControlServer struct {
	app  *fiber.App
	ctrl *Controller
	log  *zap.Logger
}

type stakeUpdate struct {
	BetAmount    *decimal.Decimal `json:"bet_amount"`
	Side         *Side            `json:"side"`
	OnWin        *Adjustment      `json:"on_win"`
	OnLoss       *Adjustment      `json:"on_loss"`
	StopOnProfit *decimal.Decimal `json:"stop_on_profit"`
	StopOnLoss   *decimal.Decimal `json:"stop_on_loss"`
	MaxBets      *int             `json:"max_bets"`
}

func (u stakeUpdate) apply(cfg StakeConfig) StakeConfig {
	if u.BetAmount != nil {
		cfg.BaseBet = *u.BetAmount
	}
	if u.Side != nil {
		cfg.Side = *u.Side
	}
	if u.OnWin != nil {
		cfg.OnWin = *u.OnWin
	}
	if u.OnLoss != nil {
		cfg.OnLoss = *u.OnLoss
	}
	if u.StopOnProfit != nil {
		cfg.StopOnProfit = *u.StopOnProfit
	}
	if u.StopOnLoss != nil {
		cfg.StopOnLoss = *u.StopOnLoss
	}
	if u.MaxBets != nil {
		cfg.MaxBets = *u.MaxBets
	}
	return cfg
}

func NewControlServer(ctrl *Controller, metrics *Metrics, log *zap.Logger) *ControlServer {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "croupier",
	})

	s := &ControlServer{app: app, ctrl: ctrl, log: log}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	api := app.Group("/api")
	api.Get("/status", s.status)
	api.Post("/stop", s.stop)
	api.Post("/stake", s.updateStake)

	return s
}

func (s *ControlServer) status(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Snapshot())
}

func (s *ControlServer) stop(c *fiber.Ctx) error {
	s.log.Info("stop requested over control API", zap.String("remote", c.IP()))
	s.ctrl.Halt()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "stopping"})
}

func (s *ControlServer) updateStake(c *fiber.Ctx) error {
	var body stakeUpdate
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	cfg := body.apply(s.ctrl.ActiveStake())
	if err := s.ctrl.UpdateStake(cfg); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"status":     "updated",
		"bet_amount": cfg.BaseBet.String(),
		"side":       cfg.Side,
	})
}

// Start serves until Shutdown is called. It returns nil on a clean shutdown.
func (s *ControlServer) Start(addr string) error {
	return s.app.Listen(addr)
}

func (s *ControlServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
