package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opd/opd/internal/config"
	"github.com/opd/opd/internal/domain/appointment"
	"github.com/opd/opd/internal/domain/directory"
	"github.com/opd/opd/internal/domain/queue"
	"github.com/opd/opd/internal/domain/reschedule"
	"github.com/opd/opd/internal/platform/auth"
	"github.com/opd/opd/internal/platform/billing"
	"github.com/opd/opd/internal/platform/db"
	"github.com/opd/opd/internal/platform/events"
	"github.com/opd/opd/internal/platform/middleware"
	"github.com/opd/opd/internal/platform/notification"
)

// broadcaster is the slice of the events hub the publishers need.
type broadcaster interface {
	Broadcast(event events.Event)
}

// appointmentPublisher adapts the events hub to the appointment
// service's Publisher port. Lifecycle changes fan out on the
// hospital-wide appointments topic.
type appointmentPublisher struct {
	hub broadcaster
}

func (p *appointmentPublisher) PublishChange(action string, a *appointment.Appointment) {
	topic := events.AppointmentsTopic(a.HospitalID.String())
	p.hub.Broadcast(events.NewEvent("appointment."+action, topic, "appointment", a.ID.String(), a))
}

// queuePublisher adapts the events hub to the queue service's
// Publisher port. Queue changes fan out on the per-doctor, per-day
// queue topic so waiting-room displays only see their own board.
type queuePublisher struct {
	hub broadcaster
}

func (p *queuePublisher) PublishQueue(action string, e *queue.Entry) {
	topic := events.QueueTopic(e.DoctorID.String(), e.QueueDate)
	p.hub.Broadcast(events.NewEvent("queue."+action, topic, "queue_entry", e.ID.String(), e))
}

// logEmailSender and logSMSSender write outbound messages to the log
// instead of a provider. Swapped for real gateway clients in
// deployments that configure one.
type logEmailSender struct {
	logger zerolog.Logger
}

func (s *logEmailSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}

type logSMSSender struct {
	logger zerolog.Logger
}

func (s *logSMSSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().Str("to", to).Int("length", len(body)).Msg("sms sent")
	return nil
}

// logRefundProcessor acknowledges refunds without moving money. The
// billing manager still records the refund, so the ledger endpoints
// reflect what a payment gateway would have been asked to do.
type logRefundProcessor struct {
	logger zerolog.Logger
}

func (p *logRefundProcessor) ProcessRefund(_ context.Context, appointmentID uuid.UUID, amount float64) error {
	p.logger.Info().Str("appointment_id", appointmentID.String()).Float64("amount", amount).Msg("refund processed")
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "opd-server",
		Short: "Hospital OPD appointment and queue API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the OPD API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a database backup instead.")
			return nil
		},
	})

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeout) * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	authMW := auth.Middleware(auth.JWTConfig{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
	})
	if cfg.IsDev() && cfg.JWTSecret == "" {
		authMW = auth.DevMiddleware()
	}

	// Health checks stay outside auth.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// API group
	apiV1 := e.Group("/api/v1", authMW, middleware.Audit(logger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	clientLimiter := middleware.NewClientRateLimiter()
	apiV1.Use(middleware.ClientRateLimitMiddleware(clientLimiter))

	// Shared infrastructure
	txr := &db.PoolTxRunner{Pool: pool}
	hub := events.NewHub(logger)

	// Domain services
	apptSvc := appointment.NewService(appointment.NewRepoPG(pool), appointment.NewEventRepoPG(pool), txr, logger)
	queueSvc := queue.NewService(queue.NewRepoPG(pool), apptSvc, logger)
	reschedSvc := reschedule.NewService(reschedule.NewRepoPG(pool), apptSvc, logger)
	dirSvc := directory.NewService(directory.NewRepoPG(pool))

	// Notification pipeline
	templates := notification.NewTemplateEngine()
	notifMgr := notification.NewManager(&logEmailSender{logger: logger}, &logSMSSender{logger: logger}, templates)
	dispatcher := notification.NewDispatcher(notifMgr, dirSvc, logger)

	// Billing
	billMgr := billing.NewManager(&logRefundProcessor{logger: logger}, cfg.ConsultationFee)

	// Side-effect ports. The queue registrar is injected after
	// construction because checking in an appointment registers the
	// arrival on the queue, and the queue calls back into the
	// appointment lifecycle.
	apptSvc.SetBiller(billMgr)
	apptSvc.SetNotifier(dispatcher)
	apptSvc.SetPublisher(&appointmentPublisher{hub: hub})
	apptSvc.SetQueueRegistrar(queueSvc)
	queueSvc.SetNotifier(dispatcher)
	queueSvc.SetPublisher(&queuePublisher{hub: hub})
	reschedSvc.SetNotifier(dispatcher)

	// Routes
	appointment.NewHandler(apptSvc).RegisterRoutes(apiV1)
	queue.NewHandler(queueSvc).RegisterRoutes(apiV1)
	reschedule.NewHandler(reschedSvc).RegisterRoutes(apiV1)
	// Directory data changes rarely; ETag revalidation spares the
	// front-desk clients refetching unchanged staff lists.
	directory.NewHandler(dirSvc).RegisterRoutes(
		apiV1.Group("", middleware.ETag(middleware.DefaultETagConfig())))
	notification.NewHandler(notifMgr).RegisterRoutes(apiV1.Group("", auth.RequireRole("receptionist")))
	billing.NewHandler(billMgr).RegisterRoutes(apiV1.Group("", auth.RequireRole("receptionist")))

	adminGroup := apiV1.Group("/admin", auth.RequireRole("admin"))
	middleware.NewRateLimitHandler(clientLimiter).RegisterRoutes(adminGroup)

	// WebSocket endpoint for live dashboards, authenticated like the API.
	events.NewHandler(hub).RegisterRoutes(e.Group("", authMW))

	// Graceful shutdown
	addr := ":" + cfg.Port
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()
	logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
