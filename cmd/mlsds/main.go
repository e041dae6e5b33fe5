package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/joshlacal/mls-delivery-service/internal/actor"
	"github.com/joshlacal/mls-delivery-service/internal/api"
	"github.com/joshlacal/mls-delivery-service/internal/apierror"
	"github.com/joshlacal/mls-delivery-service/internal/auth"
	"github.com/joshlacal/mls-delivery-service/internal/cache"
	"github.com/joshlacal/mls-delivery-service/internal/config"
	"github.com/joshlacal/mls-delivery-service/internal/convo"
	"github.com/joshlacal/mls-delivery-service/internal/groupinfo"
	"github.com/joshlacal/mls-delivery-service/internal/httputil"
	"github.com/joshlacal/mls-delivery-service/internal/idempotency"
	"github.com/joshlacal/mls-delivery-service/internal/keypackage"
	"github.com/joshlacal/mls-delivery-service/internal/member"
	"github.com/joshlacal/mls-delivery-service/internal/messagestore"
	"github.com/joshlacal/mls-delivery-service/internal/hub"
	"github.com/joshlacal/mls-delivery-service/internal/postgres"
	"github.com/joshlacal/mls-delivery-service/internal/ratelimit"
	"github.com/joshlacal/mls-delivery-service/internal/welcome"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// serviceCipherSuites lists the MLS cipher suite identifiers this deployment accepts, advertised
// verbatim by getServiceInfo.
var serviceCipherSuites = []uint16{0x0001, 0x0002, 0x0003}

// plcDirectoryURL is the public PLC directory used to resolve did:plc:* documents.
const plcDirectoryURL = "https://plc.directory"

// server holds the shared dependencies used by route handlers and middleware.
type server struct {
	cfg *config.Config
	db  *pgxpool.Pool
	rdb *redis.Client

	convoRepo     convo.Repository
	memberRepo    member.Repository
	messageRepo   messagestore.Repository
	welcomeRepo   welcome.Repository
	groupInfoRepo groupinfo.Repository
	keypackageRepo keypackage.Repository

	poolDB   *postgres.PoolDB
	registry *actor.Registry

	verifier    *auth.Verifier
	didLimiter  *ratelimit.DIDLimiter
	idemCoord   *idempotency.Coordinator
	welcomeCoord *welcome.Coordinator

	retention  *hub.Retention
	dispatcher *hub.Dispatcher
	subHub     *hub.Hub
}

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting MLS Delivery Service")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := cache.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Cache connected")

	convoRepo := convo.NewPGRepository(db, log.Logger)
	memberRepo := member.NewPGRepository(db, log.Logger)
	messageRepo := messagestore.NewPGRepository(db, log.Logger)
	welcomeRepo := welcome.NewPGRepository(db, log.Logger)
	groupInfoRepo := groupinfo.NewPGRepository(db, log.Logger)
	keypackageRepo := keypackage.NewPGRepository(db, log.Logger)
	idemStore := idempotency.NewPGStore(db, log.Logger)

	poolDB := postgres.NewPoolDB(db)
	registry := actor.NewRegistry(poolDB, actor.Repositories{
		Convo: convoRepo, Member: memberRepo, Message: messageRepo,
		Welcome: welcomeRepo, GroupInfo: groupInfoRepo,
	}, log.Logger)

	// DID signing-key resolution: PLC directory lookup, cached in front of the network round trip.
	plcResolver := auth.NewPLCResolver(plcDirectoryURL, 5*time.Second)
	cachingResolver := auth.NewCachingResolver(plcResolver, cfg.DIDDocCacheCap, cfg.DIDDocCacheTTL)
	replayCache := auth.NewRedisReplayCache(rdb)
	verifier := auth.NewVerifier(cachingResolver, replayCache, auth.Config{
		ServiceDID: cfg.ServiceDID,
		ClockSkew:  cfg.TokenSkew,
		ReplayTTL:  cfg.JTITTL,
		EnforceLXM: cfg.EnforceLXM,
		EnforceJTI: cfg.EnforceJTI,
	})

	didLimiter := ratelimit.NewDIDLimiter(ratelimit.DefaultBudgets)

	idemTTL := time.Duration(cfg.IdempotencyTTLSeconds) * time.Second
	idemCoord := idempotency.NewCoordinator(idemStore, rdb, 30*time.Second, log.Logger)

	welcomeCoord := welcome.NewCoordinator(welcomeRepo, time.Duration(cfg.WelcomeGraceSeconds)*time.Second, log.Logger)
	if reverted, sweepErr := welcomeCoord.SweepExpired(ctx); sweepErr != nil {
		log.Warn().Err(sweepErr).Msg("failed to sweep expired in-flight welcome artifacts at startup")
	} else if reverted > 0 {
		log.Info().Int64("reverted", reverted).Msg("reverted stale in-flight welcome artifacts left over from a prior restart")
	}

	retention := hub.NewRetention(rdb, cfg.RetentionSeconds*10, time.Duration(cfg.RetentionSeconds)*time.Second)
	dispatcher := hub.NewDispatcher(rdb, retention, log.Logger)
	subHub := hub.New(rdb, retention, memberRepo, cfg.SubscriptionBufferSize, cfg.HeartbeatInterval, log.Logger)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go runWithBackoff(subCtx, "subscription-hub", subHub.Run)

	app := fiber.New(fiber.Config{
		AppName: "MLS Delivery Service",
		// ErrorHandler catches errors returned by handlers that are not already mapped to the structured
		// apierror envelope (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in
		// Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			code := apierror.InternalError
			message := "an internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				ErrorBody: httputil.ErrorBody{Code: code, Message: message},
			})
		},
	})

	app.Use(requestid.New())
	if cfg.LogHealthRequests {
		app.Use(httputil.RequestLogger(log.Logger))
	} else {
		app.Use(httputil.RequestLogger(log.Logger, "/xrpc/mls.ds.getServiceInfo", "/xrpc/_health"))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders: []string{"X-Request-Id"},
	}))
	app.Use(ratelimit.PerIP(cfg.RateLimitIPPerMinute, time.Minute))

	srv := &server{
		cfg: cfg, db: db, rdb: rdb,
		convoRepo: convoRepo, memberRepo: memberRepo, messageRepo: messageRepo,
		welcomeRepo: welcomeRepo, groupInfoRepo: groupInfoRepo, keypackageRepo: keypackageRepo,
		poolDB: poolDB, registry: registry,
		verifier: verifier, didLimiter: didLimiter, idemCoord: idemCoord, welcomeCoord: welcomeCoord,
		retention: retention, dispatcher: dispatcher, subHub: subHub,
	}
	srv.registerRoutes(app, idemTTL)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		subHub.Shutdown()
		registry.ShutdownAll()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *server) registerRoutes(app *fiber.App, idemTTL time.Duration) {
	requireAuth := func(nsid string) fiber.Handler { return auth.RequireAuth(s.verifier, nsid) }
	requireActive := member.RequireActiveMember(s.memberRepo)
	requireAdmin := member.RequireAdmin(s.memberRepo)

	healthHandler := api.NewHealthHandler(s.db, s.rdb)
	app.Get("/xrpc/_health", healthHandler.Health)

	serviceInfoHandler := api.NewServiceInfoHandler(s.cfg.ServiceDID, version, serviceCipherSuites)
	app.Get("/xrpc/"+api.NSIDGetServiceInfo, serviceInfoHandler.ServiceInfo)

	convoHandler := api.NewConvoHandler(
		s.registry, s.convoRepo, s.memberRepo, s.groupInfoRepo, s.poolDB,
		s.dispatcher, s.subHub, s.idemCoord, idemTTL, log.Logger,
	)
	app.Post("/xrpc/"+api.NSIDCreateConvo,
		requireAuth(api.NSIDCreateConvo), ratelimit.PerDID(s.didLimiter, ratelimit.ClassCreateConvo),
		convoHandler.CreateConvo)
	app.Post("/xrpc/"+api.NSIDAddMembers+"/:convoID",
		requireAuth(api.NSIDAddMembers), ratelimit.PerDID(s.didLimiter, ratelimit.ClassAddMembers),
		requireActive, convoHandler.AddMembers)
	app.Post("/xrpc/"+api.NSIDRemoveMember+"/:convoID",
		requireAuth(api.NSIDRemoveMember), ratelimit.PerDID(s.didLimiter, ratelimit.DefaultClass),
		requireAdmin, convoHandler.RemoveMember)
	app.Post("/xrpc/"+api.NSIDLeaveConvo+"/:convoID",
		requireAuth(api.NSIDLeaveConvo), ratelimit.PerDID(s.didLimiter, ratelimit.DefaultClass),
		convoHandler.LeaveConvo)
	app.Get("/xrpc/"+api.NSIDGetEpoch+"/:convoID",
		requireAuth(api.NSIDGetEpoch), ratelimit.PerDID(s.didLimiter, ratelimit.DefaultClass),
		requireActive, convoHandler.GetEpoch)
	app.Post("/xrpc/"+api.NSIDUpdateGroupInfo+"/:convoID",
		requireAuth(api.NSIDUpdateGroupInfo), ratelimit.PerDID(s.didLimiter, ratelimit.DefaultClass),
		requireActive, convoHandler.UpdateGroupInfo)
	app.Get("/xrpc/"+api.NSIDGetGroupInfo+"/:convoID",
		requireAuth(api.NSIDGetGroupInfo), ratelimit.PerDID(s.didLimiter, ratelimit.DefaultClass),
		convoHandler.GetGroupInfo)

	messageHandler := api.NewMessageHandler(s.registry, s.dispatcher, s.idemCoord, idemTTL, log.Logger)
	app.Post("/xrpc/"+api.NSIDSendMessage+"/:convoID",
		requireAuth(api.NSIDSendMessage), ratelimit.PerDID(s.didLimiter, ratelimit.ClassSendMessage),
		requireActive, messageHandler.SendMessage)
	app.Post("/xrpc/"+api.NSIDUpdateRead+"/:convoID",
		requireAuth(api.NSIDUpdateRead), ratelimit.PerDID(s.didLimiter, ratelimit.DefaultClass),
		requireActive, messageHandler.UpdateRead)

	keypackageHandler := api.NewKeyPackageHandler(s.keypackageRepo, s.idemCoord, idemTTL)
	app.Post("/xrpc/"+api.NSIDPublishKeyPackage,
		requireAuth(api.NSIDPublishKeyPackage), ratelimit.PerDID(s.didLimiter, ratelimit.ClassPublishKeyPkg),
		keypackageHandler.PublishKeyPackage)
	app.Get("/xrpc/"+api.NSIDGetKeyPackages,
		requireAuth(api.NSIDGetKeyPackages), ratelimit.PerDID(s.didLimiter, ratelimit.DefaultClass),
		keypackageHandler.GetKeyPackages)

	welcomeHandler := api.NewWelcomeHandler(s.welcomeCoord, s.idemCoord, idemTTL)
	app.Post("/xrpc/"+api.NSIDGetWelcome+"/:convoID",
		requireAuth(api.NSIDGetWelcome), ratelimit.PerDID(s.didLimiter, ratelimit.DefaultClass),
		welcomeHandler.GetWelcome)
	app.Post("/xrpc/"+api.NSIDConfirmWelcome+"/:convoID",
		requireAuth(api.NSIDConfirmWelcome), ratelimit.PerDID(s.didLimiter, ratelimit.DefaultClass),
		welcomeHandler.ConfirmWelcome)

	subscribeHandler := api.NewSubscribeHandler(s.subHub)
	app.Get("/xrpc/"+api.NSIDSubscribeConvoEvent+"/:convoID",
		requireAuth(api.NSIDSubscribeConvoEvent), ratelimit.PerDID(s.didLimiter, ratelimit.DefaultClass),
		subscribeHandler.SubscribeConvoEvents)

	// Catch-all handler returns 404 for any request that does not match a defined route. Fiber v3 treats
	// app.Use() middleware as route matches, so without this terminal handler the router considers
	// unmatched requests "handled" and returns the default 200 status with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil,
// non-cancelled error. If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1
// second and doubles on each consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the
// closest delivery-service error code.
func fiberStatusToAPICode(status int) apierror.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierror.NotFound
	case fiber.StatusTooManyRequests:
		return apierror.RateLimited
	case fiber.StatusRequestEntityTooLarge:
		return apierror.PayloadTooLarge
	default:
		if status >= 400 && status < 500 {
			return apierror.ValidationFailed
		}
		return apierror.InternalError
	}
}
