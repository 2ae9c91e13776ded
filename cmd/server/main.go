package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/reservahub/booking-engine/internal/config"
	"github.com/reservahub/booking-engine/internal/database"
	"github.com/reservahub/booking-engine/internal/handlers"
	"github.com/reservahub/booking-engine/internal/middleware"
	"github.com/reservahub/booking-engine/internal/services"
	"github.com/reservahub/booking-engine/pkg/jwt"
	"github.com/reservahub/booking-engine/pkg/validator"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// stores bundles the persistence backends the services run on
type stores struct {
	bookings services.BookingStore
	coupons  services.CouponStore
	events   services.PaymentEventStore
	db       *sqlx.DB
}

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting booking engine")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}
	if st.db != nil {
		defer st.db.Close()
	}

	// Redis backs the capacity counters and the notification stream
	var rdb redis.UniversalClient
	if cfg.Capacity.Backend == "redis" || cfg.Notifications.Backend == "redis" {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		logger.WithField("addr", cfg.Redis.Addr).Info("Redis connection established")
	}

	capacity, err := newCapacityGuard(cfg, st.db, rdb)
	if err != nil {
		logger.Fatalf("Failed to initialize capacity guard: %v", err)
	}
	logger.WithField("backend", cfg.Capacity.Backend).Info("Capacity guard ready")

	// Initialize services
	logger.Info("Initializing services...")
	publisher, err := services.NewNotificationPublisher(&cfg.Notifications, rdb, services.NewLogrusWatermillLogger(logger))
	if err != nil {
		logger.Fatalf("Failed to initialize notification publisher: %v", err)
	}
	defer publisher.Close()

	gateway := services.NewHTTPPaymentGateway(&cfg.Payment, logger)
	if !gateway.IsConfigured() {
		logger.Warn("Payment gateway not configured - bookings will stay in draft until it is")
	}

	dispatcher := services.NewEffectDispatcher(capacity, st.bookings, st.coupons, gateway, publisher, cfg.Notifications.Topic, logger)
	bookingService := services.NewBookingService(
		st.bookings,
		st.coupons,
		capacity,
		gateway,
		dispatcher,
		validator.NewContactValidator(),
		&cfg.Booking,
		services.CallbackURLs{
			Success:      cfg.Payment.SuccessURL,
			Failure:      cfg.Payment.FailureURL,
			Pending:      cfg.Payment.PendingURL,
			Notification: cfg.Payment.NotificationURL,
		},
		logger,
	)
	couponService := services.NewCouponService(st.coupons, st.bookings, logger)
	reconciler := services.NewPaymentReconciler(st.bookings, st.events, bookingService.AutoConfirms, cfg.Booking.MaxConflictRetries, logger)
	expirationService := services.NewExpirationService(bookingService, st.bookings, dispatcher, &cfg.Sweep, logger)
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// Initialize and start cron service
	cronService := services.NewCronService(expirationService, cfg.Sweep.Schedule, logger)
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}
	logger.Info("Cron service started - expiry sweep enabled")

	// Initialize handlers
	var pinger database.Pinger
	if st.db != nil {
		pinger = st.db
	}
	routeHandlers := handlers.Handlers{
		Booking: handlers.NewBookingHandler(bookingService, logger),
		Coupon:  handlers.NewCouponHandler(couponService, logger),
		Webhook: handlers.NewWebhookHandler(reconciler, dispatcher, cfg.Payment.WebhookSecret, logger),
		Partner: handlers.NewPartnerHandler(bookingService, logger),
		Admin:   handlers.NewAdminHandler(capacity, cronService, pinger, logger),
	}

	// Setup router
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Server.EnableRequestLog {
		router.Use(requestLogger(logger))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handlers.RegisterRoutes(router, jwtService, logger, routeHandlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Wait for interrupt signal or a failed server to shut down
		<-gctx.Done()
		logger.Info("Shutting down server...")

		logger.Info("Stopping cron service...")
		cronService.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("Server exited with error: %v", err)
		return
	}
	logger.Info("Server exited successfully")
}

// openStores connects to Postgres, or falls back to in-memory stores in
// development when DATABASE_URL is empty
func openStores(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*stores, error) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set - using in-memory stores, data is lost on restart")
		mem := database.NewMemoryStore()
		return &stores{
			bookings: mem.Bookings(),
			coupons:  mem.Coupons(),
			events:   mem.Events(),
		}, nil
	}

	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := database.InitializeDBSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Database connection established")

	return &stores{
		bookings: database.NewBookingRepository(db),
		coupons:  database.NewCouponRepository(db),
		events:   database.NewPaymentEventRepository(db),
		db:       db,
	}, nil
}

func newCapacityGuard(cfg *config.Config, db *sqlx.DB, rdb redis.UniversalClient) (services.CapacityGuard, error) {
	if cfg.Capacity.Backend == "redis" && rdb == nil {
		return nil, fmt.Errorf("redis capacity backend requires a redis client")
	}
	switch cfg.Capacity.Backend {
	case "postgres":
		// In-memory stores only happen in development
		if db == nil {
			return services.NewMemoryCapacityGuard(cfg.Capacity.DefaultCapacity), nil
		}
		return database.NewCapacityRepository(db, cfg.Capacity.DefaultCapacity), nil
	case "redis":
		return services.NewRedisCapacityGuard(rdb, cfg.Capacity.DefaultCapacity), nil
	default:
		return services.NewMemoryCapacityGuard(cfg.Capacity.DefaultCapacity), nil
	}
}

// requestLogger middleware for logging HTTP requests
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"query":      query,
			"ip":         c.ClientIP(),
			"latency_ms": time.Since(start).Milliseconds(),
			"user_agent": c.Request.UserAgent(),
			"has_auth":   c.GetHeader("Authorization") != "",
		}

		// Add user context if available
		if userCtx, ok := middleware.GetUserContext(c); ok {
			fields["user_id"] = userCtx.UserID
			fields["roles"] = userCtx.Roles
		}

		entry := logger.WithFields(fields)

		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
			return
		}

		status := c.Writer.Status()
		switch {
		case status >= 500:
			entry.Error("Request completed with server error")
		case status >= 400:
			entry.Warn("Request completed with client error")
		default:
			entry.Info("Request completed successfully")
		}
	}
}
