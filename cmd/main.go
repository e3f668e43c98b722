package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	cli "gopkg.in/urfave/cli.v1"

	"dlottery/internal/bank"
	"dlottery/internal/broker"
	"dlottery/internal/config"
	"dlottery/internal/handlers"
	"dlottery/internal/keeper"
	"dlottery/internal/notify"
	"dlottery/internal/services"
	"dlottery/internal/storage"
)

var (
	addrFlag = cli.StringFlag{
		Name:  "addr",
		Usage: "HTTP listen address (overrides HTTP_ADDR)",
	}
	networkFlag = cli.StringFlag{
		Name:  "network",
		Usage: "network preset name (overrides LOTTERY_NETWORK)",
	}
	networksFileFlag = cli.StringFlag{
		Name:  "networks",
		Usage: "TOML file with network presets (overrides LOTTERY_NETWORKS_FILE)",
	}
	storeFlag = cli.StringFlag{
		Name:  "store",
		Usage: "state backend: memory, redis or bolt (overrides STORE_BACKEND)",
	}
	noKeeperFlag = cli.BoolFlag{
		Name:  "no-keeper",
		Usage: "do not run the automation keeper",
	}
	debugFlag = cli.BoolFlag{
		Name:  "debug",
		Usage: "enable development endpoints and gin debug mode",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "dlottery"
	app.Usage = "lottery with verifiable-randomness draws"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{addrFlag, networkFlag, networksFileFlag, storeFlag, noKeeperFlag, debugFlag}
	app.Action = serve
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP API, keeper and in-process broker",
			Flags:  app.Flags,
			Action: serve,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration: defaults, then the network preset,
// then the environment, then the remaining flags. The network flags choose
// the preset, so they are applied before it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(networkFlag.Name), c.String(networksFileFlag.Name))
	if err != nil {
		return nil, err
	}
	if c.IsSet(addrFlag.Name) {
		cfg.HTTPAddr = c.String(addrFlag.Name)
	}
	if c.IsSet(storeFlag.Name) {
		cfg.Store.Backend = c.String(storeFlag.Name)
	}
	if c.Bool(noKeeperFlag.Name) {
		cfg.KeeperEnabled = false
	}
	if c.Bool(debugFlag.Name) {
		cfg.Debug = true
	}
	return cfg, cfg.Validate()
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	defer logger.Init("dlottery", true, false, io.Discard).Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.Store.Backend == storage.BackendRedis || cfg.Redis.PublishEvents {
		rdb, err = storage.OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			if cfg.Store.Backend == storage.BackendRedis {
				return fmt.Errorf("redis open: %w", err)
			}
			logger.Warningf("redis unavailable, notifications will only be logged: %v", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	var store interface {
		services.StateStore
		bank.LedgerStore
		broker.RequestStore
	}
	switch cfg.Store.Backend {
	case storage.BackendRedis:
		store = storage.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	case storage.BackendBolt:
		bs, err := storage.OpenBolt(cfg.Store.BoltPath)
		if err != nil {
			return err
		}
		defer bs.Close()
		store = bs
	default:
		store = storage.NewMemoryStore()
	}

	fee, err := cfg.EntranceFeeWei()
	if err != nil {
		return err
	}

	b, err := bank.OpenBank(ctx, cfg.Custody(), store)
	if err != nil {
		return err
	}
	coordinator, err := broker.OpenCoordinator(ctx, cfg.FulfillDelay, store)
	if err != nil {
		return err
	}
	lotteryService, err := services.NewLotteryService(ctx, services.Options{
		EntranceFee:  fee,
		GateInterval: cfg.GateInterval,
		Randomness:   cfg.RandomnessRequest(),
	}, coordinator, b, store)
	if err != nil {
		return err
	}
	coordinator.SetConsumer(lotteryService)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.BrokerSecret == "" && !cfg.AutoFulfill && !cfg.Debug {
		logger.Warning("no broker delivery path: set BROKER_CALLBACK_SECRET or BROKER_AUTO_FULFILL")
	}
	httpHandler := handlers.NewHTTPHandler(lotteryService, b, coordinator, cfg.Debug, cfg.BrokerSecret)
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handlers.NewRouter(httpHandler, cfg.CORSAllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var src notify.Source = lotteryService
		if rdb == nil {
			return notify.NewRelay(nil, "").Run(gctx, src)
		}
		return notify.NewRelay(rdb, cfg.Redis.EventStream).Run(gctx, src)
	})
	if cfg.KeeperEnabled {
		g.Go(func() error {
			return keeper.New(lotteryService, cfg.KeeperInterval).Run(gctx)
		})
	}
	if cfg.AutoFulfill {
		g.Go(func() error {
			return coordinator.Run(gctx, time.Second)
		})
	}
	g.Go(func() error {
		logger.Infof("server starting on %s (network %s)", cfg.HTTPAddr, cfg.Network)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down server...")
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}
