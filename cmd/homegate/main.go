// homegate is the home-automation command gateway daemon.
//
// It keeps the registry of actionners and devices, owns one pooled
// connection per actionner, and runs commands sent through the HTTP API.
//
// Usage:
//
//	homegate [-config path]
//	homegate -issue-token subject [-role operator] [-ttl 720h]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/homegate/migrations"

	"github.com/nerrad567/homegate/internal/api"
	"github.com/nerrad567/homegate/internal/audit"
	"github.com/nerrad567/homegate/internal/auth"
	"github.com/nerrad567/homegate/internal/dispatch"
	"github.com/nerrad567/homegate/internal/fault"
	"github.com/nerrad567/homegate/internal/ids"
	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/infrastructure/database"
	"github.com/nerrad567/homegate/internal/infrastructure/influxdb"
	"github.com/nerrad567/homegate/internal/infrastructure/logging"
	"github.com/nerrad567/homegate/internal/infrastructure/mqtt"
	"github.com/nerrad567/homegate/internal/metrics"
	"github.com/nerrad567/homegate/internal/registry"
	"github.com/nerrad567/homegate/internal/transport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// startupCheckTimeout bounds the health checks run before serving.
const startupCheckTimeout = 10 * time.Second

func main() {
	configFlag := flag.String("config", "", "configuration file (default $HOMEGATE_CONFIG or "+defaultConfigPath+")")
	issueFor := flag.String("issue-token", "", "print an API token for this subject and exit")
	role := flag.String("role", string(auth.RoleOperator), "role of the issued token: reader, operator or admin")
	ttl := flag.Duration("ttl", 0, "lifetime of the issued token (default security.jwt.token_ttl)")
	flag.Parse()

	configPath := getConfigPath(*configFlag)

	if *issueFor != "" {
		if err := issueToken(os.Stdout, configPath, *issueFor, auth.Role(*role), *ttl); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath returns the -config value, else HOMEGATE_CONFIG, else the
// default path.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("HOMEGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// issueToken writes a signed API token to w.
func issueToken(w io.Writer, configPath, subject string, role auth.Role, ttl time.Duration) error {
	if !auth.IsValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("security.jwt.secret is not set")
	}
	if ttl <= 0 {
		ttl = time.Duration(cfg.Security.JWT.TokenTTL) * time.Minute
	}

	token, err := auth.IssueToken(subject, role, cfg.Security.JWT.Secret, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// run is the daemon, separated from main for testability. It returns nil
// on a clean shutdown. Running out of ids also shuts the daemon down and
// is returned as an error.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting homegate",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version).With("site", cfg.Site.ID)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	checks := map[string]api.HealthCheck{}

	// Registry storage
	var (
		repo registry.Repository
		db   *database.DB
	)
	if cfg.Database.Enabled {
		db, err = database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database ready", "path", cfg.Database.Path)
		repo = registry.NewSQLiteRepository(db.DB)
		checks["database"] = db.HealthCheck
	} else {
		log.Warn("database disabled, registrations will not survive a restart")
	}

	drivers := buildDrivers(cfg.Drivers, log)
	catalog, err := buildCatalog(drivers, cfg.Protocols.Extra)
	if err != nil {
		return err
	}

	reg := registry.New(catalog, ids.New(), repo)
	reg.SetLogger(log)
	if loadErr := reg.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading registry: %w", loadErr)
	}

	m := metrics.New()

	pool, err := transport.NewPool(transport.Options{
		DialTimeout: cfg.DialTimeout(),
		IdleTimeout: cfg.IdleTimeout(),
		Logger:      log,
		Observer:    m,
	}, drivers...)
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer func() {
		log.Info("closing pooled connections")
		if closeErr := pool.Close(); closeErr != nil {
			log.Error("error closing connection pool", "error", closeErr)
		}
	}()

	m.RegisterGauges(metrics.Gauges{
		Objects:     func() int { return reg.Stats().Objects },
		Actionners:  func() int { return reg.Stats().Actionners },
		Connections: pool.Len,
	})

	// Outbound clients are independent, so connect them concurrently.
	var (
		bus    *mqtt.Client
		influx *influxdb.Client
	)
	g, gctx := errgroup.WithContext(ctx)
	if cfg.MQTT.Enabled {
		g.Go(func() error {
			c, connErr := mqtt.Connect(gctx, cfg.MQTT)
			if connErr != nil {
				return fmt.Errorf("connecting to MQTT: %w", connErr)
			}
			bus = c
			return nil
		})
	}
	if cfg.InfluxDB.Enabled {
		g.Go(func() error {
			c, connErr := influxdb.Connect(gctx, cfg.InfluxDB, cfg.Site.ID)
			if connErr != nil {
				return fmt.Errorf("connecting to InfluxDB: %w", connErr)
			}
			influx = c
			return nil
		})
	}
	connectErr := g.Wait()

	if bus != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := bus.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		bus.SetLogger(log)
		bus.SetOnConnect(func() { log.Info("MQTT reconnected") })
		bus.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		checks["mqtt"] = bus.HealthCheck
		log.Info("MQTT event bus connected", "broker", mqtt.BrokerURL(cfg.MQTT), "prefix", cfg.MQTT.TopicPrefix)
	}
	if influx != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influx.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influx.SetOnError(func(err error) { log.Error("InfluxDB write error", "error", err) })
		checks["influxdb"] = influx.HealthCheck
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}
	if connectErr != nil {
		return connectErr
	}

	var journal *audit.Journal
	if db != nil {
		journal = audit.NewJournal(audit.NewSQLiteRepository(db.DB), log)
		journal.Start()
		defer journal.Close()
	}

	hub := api.NewHub(cfg.WebSocket, log)
	var eventBus api.Bus
	if bus != nil {
		eventBus = bus
	}
	events := api.NewEvents(hub, eventBus, log)

	dispatcher := dispatch.New(reg, pool, dispatch.Options{
		CommandTimeout: cfg.CommandTimeout(),
		RetryDelay:     cfg.RetryDelay(),
		Logger:         log,
		Recorders:      []dispatch.Recorder{m, events},
	})
	observers := []api.RegistrationObserver{events}
	if journal != nil {
		dispatcher.AddRecorder(journal)
		observers = append(observers, journal)
	}
	if influx != nil {
		dispatcher.AddRecorder(influxRecorder(influx))
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed", "checks", len(checks))

	server, err := api.New(api.Deps{
		Config:         cfg.API,
		WS:             cfg.WebSocket,
		Security:       cfg.Security,
		Logger:         log,
		Registry:       reg,
		Dispatcher:     dispatcher,
		Pool:           pool,
		Journal:        journal,
		Metrics:        m,
		Hub:            hub,
		Observers:      observers,
		Checks:         checks,
		WarmOnRegister: cfg.Pool.WarmOnRegister,
		OnExhausted:    stop,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	log.Info("homegate ready",
		"addr", server.Addr(),
		"protocols", len(catalog.List()),
		"drivers", len(drivers),
		"auth", cfg.Security.AuthEnabled,
	)

	<-ctx.Done()

	cause := context.Cause(ctx)
	if fault.Is(cause, fault.ResourceExhausted) {
		log.Error("shutting down: identifier space exhausted", "error", cause)
		return cause
	}
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// influxRecorder writes one telemetry point per dispatched command.
func influxRecorder(c *influxdb.Client) dispatch.Recorder {
	return dispatch.RecorderFunc(func(_ context.Context, r *dispatch.Result) {
		c.WriteCommand(influxdb.Command{
			ObjectID:    r.ObjectID,
			ActionnerID: r.ActionnerID,
			Protocol:    r.Protocol,
			Outcome:     r.OutcomeLabel(),
			Attempts:    r.Attempts,
			Duration:    r.Duration,
			At:          r.Started,
		})
	})
}

// healthCheck runs every check once and returns the first failure in name
// order.
func healthCheck(ctx context.Context, checks map[string]api.HealthCheck) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
