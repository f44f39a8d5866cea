package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/finteca/cobraflow/internal/agents"
	"github.com/finteca/cobraflow/internal/events"
	"github.com/finteca/cobraflow/internal/flow"
	"github.com/finteca/cobraflow/internal/hours"
	"github.com/finteca/cobraflow/internal/messaging"
	"github.com/finteca/cobraflow/internal/models"
	"github.com/finteca/cobraflow/internal/store"
	"github.com/finteca/cobraflow/internal/twiliowhatsapp"
	"github.com/finteca/cobraflow/internal/util"
	"github.com/finteca/cobraflow/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Cobraflow state data
	DefaultStateDir = "/var/lib/cobraflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "cobraflow.db"
)

// Config holds environment configuration.
type Config struct {
	DatabaseURL       string `env:"DATABASE_URL"`
	WhatsAppDSN       string `env:"WHATSAPP_DB_DSN"`
	StateDir          string `env:"COBRAFLOW_STATE_DIR"`
	Transport         string `env:"TRANSPORT" envDefault:"whatsmeow"`
	AdminAddr         string `env:"ADMIN_ADDR" envDefault:":8080"`
	Timezone          string `env:"ATTENTION_TIMEZONE" envDefault:"America/Bogota"`
	StartHour         int    `env:"ATTENTION_START_HOUR" envDefault:"8"`
	EndHour           int    `env:"ATTENTION_END_HOUR" envDefault:"18"`
	SessionMaxMinutes int    `env:"SESSION_MAX_MINUTES" envDefault:"30"`
	TwilioAccountSID  string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber  string `env:"TWILIO_FROM_NUMBER"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"debug"`
}

// Flags holds command line flag values.
type Flags struct {
	qrOutput   *string
	numeric    *bool
	stateDir   *string
	dbDSN      *string
	transport  *string
	adminAddr  *string
	maxMinutes *int
}

func main() {
	config, err := loadEnvironmentConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	initializeLogger(config.LogLevel)

	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping Cobraflow with configured modules")
	if err := run(config, flags); err != nil {
		slog.Error("Cobraflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Cobraflow exited successfully")
}

// initializeLogger sets up structured logging at the configured level.
// COBRAFLOW_DEBUG forces debug logging regardless of LOG_LEVEL.
func initializeLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "error":
		lvl = slog.LevelError
	case "warn":
		lvl = slog.LevelWarn
	case "info":
		lvl = slog.LevelInfo
	default:
		lvl = slog.LevelDebug
	}
	if util.ParseBoolEnv("COBRAFLOW_DEBUG", false) {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var config Config
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COBRAFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Default to the shared database URL if no WhatsApp-specific DSN is set
	config.WhatsAppDSN = util.FirstNonEmpty(config.WhatsAppDSN, config.DatabaseURL)

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"COBRAFLOW_STATE_DIR", config.StateDir,
		"TRANSPORT", config.Transport,
		"ADMIN_ADDR", config.AdminAddr,
		"ATTENTION_TIMEZONE", config.Timezone)

	return config, nil
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:   flag.String("qr-output", "", "path to write login QR code"),
		numeric:    flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for Cobraflow data (overrides $COBRAFLOW_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", config.DatabaseURL, "database DSN for the Cobraflow store (overrides $DATABASE_URL)"),
		transport:  flag.String("transport", config.Transport, "outbound transport: whatsmeow or twilio (overrides $TRANSPORT)"),
		adminAddr:  flag.String("admin-addr", config.AdminAddr, "admin/webhook HTTP listen address (overrides $ADMIN_ADDR)"),
		maxMinutes: flag.Int("session-max-minutes", config.SessionMaxMinutes, "minutes of inactivity before a bot session is reaped (overrides $SESSION_MAX_MINUTES)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"transport", *flags.transport,
		"adminAddr", *flags.adminAddr,
		"sessionMaxMinutes", *flags.maxMinutes)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage.
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}
	return nil
}

// buildStore opens the persistence backend matching the DSN.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildTransport creates the messaging service for the selected backend.
func buildTransport(config Config, flags Flags) (messaging.Service, error) {
	switch strings.ToLower(*flags.transport) {
	case "twilio":
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case "whatsmeow", "":
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDSN))
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", *flags.transport)
	}
}

func run(config Config, flags Flags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	svc, err := buildTransport(config, flags)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer svc.Stop()

	gate, err := hours.NewGate(
		hours.WithTimezone(config.Timezone),
		hours.WithWindow(config.StartHour, config.EndHour),
	)
	if err != nil {
		return fmt.Errorf("failed to build attention-hours gate: %w", err)
	}

	bus := events.NewBus()
	bus.Subscribe(models.EventDebtorLinked, func(evt models.Event) {
		slog.Info("Debtor linked to chat", "chatID", evt.ChatID, "payload", evt.Payload)
	})
	bus.Subscribe(models.EventChatAssigned, func(evt models.Event) {
		slog.Info("Chat assigned to agent", "chatID", evt.ChatID, "payload", evt.Payload)
	})

	engine := flow.NewEngine(flow.Deps{
		Flows:    st,
		Chats:    st,
		Sender:   svc,
		Messages: st,
		Debtors:  st,
		Agents:   agents.NewSelector(st),
		Events:   bus,
	})

	engine.Sessions().StartReaper(flow.DefaultReapInterval, time.Duration(*flags.maxMinutes)*time.Minute)
	defer engine.Sessions().Stop()

	listener := messaging.NewListener(svc, st, st, engine, gate)
	go listener.Run(ctx)

	httpSrv := startAdminServer(*flags.adminAddr, engine, svc)

	// Block until interrupted
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("Shutting down", "signal", s.String())

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Admin server shutdown failed", "error", err)
	}
	return nil
}

// startAdminServer exposes the flow trigger endpoint, the Twilio webhook and
// a health probe on one listener.
func startAdminServer(addr string, engine *flow.Engine, svc messaging.Service) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// Campaign tooling calls this to put a chat under bot attention.
	mux.HandleFunc("POST /chats/{chatID}/flow", func(w http.ResponseWriter, r *http.Request) {
		chatID := r.PathValue("chatID")
		var req struct {
			FlowID string `json:"flow_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FlowID == "" {
			http.Error(w, "flow_id is required", http.StatusBadRequest)
			return
		}
		if err := engine.StartFlow(r.Context(), chatID, req.FlowID); err != nil {
			slog.Error("StartFlow request failed", "error", err, "chatID", chatID, "flowID", req.FlowID)
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if twilioSvc, ok := svc.(*messaging.TwilioService); ok {
		mux.HandleFunc("POST /webhooks/twilio", twilioSvc.WebhookHandler)
		slog.Debug("Twilio webhook endpoint registered")
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		slog.Info("Admin server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Admin server failed", "error", err)
		}
	}()
	return srv
}
