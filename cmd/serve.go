package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cmu-sei/gameboard-engine/internal/auth"
	"github.com/cmu-sei/gameboard-engine/internal/deploy"
	"github.com/cmu-sei/gameboard-engine/internal/engine"
	"github.com/cmu-sei/gameboard-engine/internal/keylock"
	"github.com/cmu-sei/gameboard-engine/internal/launch"
	"github.com/cmu-sei/gameboard-engine/internal/manifest"
	"github.com/cmu-sei/gameboard-engine/internal/notify"
	"github.com/cmu-sei/gameboard-engine/internal/presence"
	"github.com/cmu-sei/gameboard-engine/internal/reconcile"
	"github.com/cmu-sei/gameboard-engine/internal/syncstart"
	server "github.com/cmu-sei/gameboard-engine/pkg"
	"github.com/cmu-sei/gameboard-engine/pkg/api"
	"github.com/cmu-sei/gameboard-engine/pkg/config"
	"github.com/cmu-sei/gameboard-engine/pkg/worker"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Start the launch engine server",
	Long:  "Starts the launch engine server to handle game launches, readiness, and resource reconciliation.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		portStr := args[0]
		if !validatePort(portStr) {
			zap.S().Fatalf("Invalid port: %s", portStr)
		}

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true

		skipper := func(c echo.Context) bool {
			// Skip health check endpoint
			return c.Request().URL.Path == "/health"
		}
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:   true,
			LogMethod:   true,
			LogRemoteIP: true,
			LogURI:      true,
			Skipper:     skipper,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				zap.S().Infof("| %v | %v | %v | %v", v.RemoteIP, v.Method, v.URI, v.Status)
				return nil
			},
		}))
		e.Use(middleware.CORS())

		e.Use(echoprometheus.NewMiddleware("gameboard"))
		e.GET("/metrics", echoprometheus.NewHandler())
		cfg := config.Get()

		// JWT secret strictly from env (for security); config value is the fallback
		jwtSecret := os.Getenv("JWT_SECRET")
		if jwtSecret == "" {
			jwtSecret = cfg.Auth.JWTSecret
		}
		if jwtSecret == "" {
			zap.S().Fatal("JWT_SECRET is required")
		}

		jwtConfig := echojwt.Config{
			NewClaimsFunc: func(c echo.Context) jwt.Claims {
				return new(auth.Claims)
			},
			SigningKey: []byte(jwtSecret),
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/health" || c.Path() == "/metrics"
			},
		}
		e.Use(echojwt.WithConfig(jwtConfig))

		db, err := server.InitDB(cfg.Launch.DBPath)
		if err != nil {
			zap.S().Fatalf("Failed to initialize database: %v", err)
		}

		if cfg.Launch.ManifestDir != "" {
			imported, err := manifest.NewImporter(db).ImportDir(cfg.Launch.ManifestDir)
			if err != nil {
				zap.S().Fatalf("Failed to import game manifests: %v", err)
			}
			zap.S().Infof("Imported %d game manifests", imported)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		locks := keylock.New()
		client := engine.NewHTTPClient(cfg.Engine)

		var notifier notify.Notifier = notify.NopNotifier{}
		var queue *worker.Queue
		if cfg.Redis.Addr != "" {
			redisNotifier, err := notify.NewRedisNotifier(cfg.Redis)
			if err != nil {
				zap.S().Fatalf("Failed to connect notifier to Redis: %v", err)
			}
			notifier = redisNotifier

			queue, err = worker.NewQueue(cfg.Redis, zap.S())
			if err != nil {
				zap.S().Fatalf("Failed to connect job queue to Redis: %v", err)
			}
			defer queue.Close()
		}

		deploySvc := deploy.NewService(deploy.ServiceOpts{
			DB:        db,
			Client:    client,
			Locks:     locks,
			Notifier:  notifier,
			BatchSize: cfg.Launch.GamespaceBatchSize,
		})
		syncOpts := syncstart.ServiceOpts{
			DB:       db,
			Locks:    locks,
			Notifier: notifier,
			LeadTime: cfg.Launch.SyncStartLeadTime,
		}
		if queue != nil {
			syncOpts.Queue = queue
		}
		syncSvc := syncstart.NewService(syncOpts)
		orch := launch.NewOrchestrator(launch.OrchestratorOpts{
			DB:        db,
			Locks:     locks,
			DeploySvc: deploySvc,
			SyncStart: syncSvc,
			Notifier:  notifier,
		})

		presenceMap := presence.NewMap(presence.MapConfig{})
		presenceMap.Start(ctx)

		reconciler := reconcile.NewService(reconcile.ServiceOpts{
			DB:       db,
			Client:   client,
			Presence: presenceMap,
		})
		sched := reconcile.NewScheduler(reconciler, cfg.Launch.SyncInterval)
		go sched.Start(ctx)

		var pool *worker.Pool
		if queue != nil {
			pool = worker.NewPool(worker.PoolConfig{
				NumWorkers: cfg.Launch.NumWorkers,
				Queue:      queue,
				DeploySvc:  deploySvc,
				SyncStart:  syncSvc,
				Logger:     zap.S(),
			})
			pool.Start(ctx)
		}

		srvOpts := server.ServerOpts{
			DB:            db,
			Orchestrator:  orch,
			SyncStart:     syncSvc,
			DeployService: deploySvc,
			Presence:      presenceMap,
		}
		if queue != nil {
			srvOpts.Queue = queue
		}
		srv := server.NewServerWithOpts(srvOpts)
		api.RegisterHandlers(e, srv)

		go func() {
			zap.S().Infof("Starting server on port %s", portStr)
			if err := e.Start(":" + portStr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Fatalf("shutting down the server: %v", err)
			}
		}()
		// Wait for interrupt signal to gracefully shut down the server
		<-ctx.Done()
		zap.S().Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to shutdown server: %v", err)
		}
		if pool != nil {
			pool.Stop()
		}
		syncSvc.Wait()
		presenceMap.Stop()
		if err := srv.Wait(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to wait for server shutdown: %v", err)
		}
	},
}

func validatePort(port string) bool {
	if port == "" {
		return false
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	if portInt < 1 || portInt > 65535 {
		return false
	}
	return true
}
