package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/RemindPipe/internal/api"
	"github.com/BTreeMap/RemindPipe/internal/config"
	"github.com/BTreeMap/RemindPipe/internal/dispatch"
	"github.com/BTreeMap/RemindPipe/internal/events"
	"github.com/BTreeMap/RemindPipe/internal/genai"
	"github.com/BTreeMap/RemindPipe/internal/keylock"
	"github.com/BTreeMap/RemindPipe/internal/lockfile"
	"github.com/BTreeMap/RemindPipe/internal/messaging"
	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/reporting"
	"github.com/BTreeMap/RemindPipe/internal/schedule"
	"github.com/BTreeMap/RemindPipe/internal/scheduler"
	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/BTreeMap/RemindPipe/internal/tracker"
	"github.com/BTreeMap/RemindPipe/internal/twilioapi"
	"github.com/BTreeMap/RemindPipe/internal/util"
	"github.com/BTreeMap/RemindPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RemindPipe state data
	DefaultStateDir = "/var/lib/remindpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "remindpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"
	// DefaultScheduleCron runs a scheduling pass every five minutes
	DefaultScheduleCron = "*/5 * * * *"
	// DefaultSweepCron runs the no-show sweep every fifteen minutes
	DefaultSweepCron = "*/15 * * * *"
)

func main() {
	initializeLogger()

	cfg := loadEnvironmentConfig()
	flags := parseCommandLineFlags(cfg)

	if err := run(flags); err != nil {
		slog.Error("RemindPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("RemindPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseURL     string
	WhatsAppDSN     string
	EngineConfig    string
	APIAddr         string
	PublicBaseURL   string
	RabbitURL       string
	RabbitExchange  string
	OpenAIKey       string
	TwilioEnabled   bool
	TwilioAuthToken string
	WhatsAppEnabled bool
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	ClinicName      string
	ScheduleCron    string
	SweepCron       string
	RateLimitRPM    int
	DispatchPoll    time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	whatsappDSN    *string
	engineConfig   *string
	apiAddr        *string
	publicBaseURL  *string
	rabbitURL      *string
	rabbitExchange *string
	openaiKey      *string
	twilio         *bool
	whatsapp       *bool
	qrOutput       *string
	numeric        *bool
	smtpHost       *string
	smtpPort       *int
	smtpUsername   *string
	smtpPassword   *string
	smtpFrom       *string
	clinicName     *string
	scheduleCron   *string
	sweepCron      *string
	rateLimitRPM   *int
	dispatchPoll   *time.Duration
	dryRun         *bool
	seedDemo       *bool

	twilioAuthToken string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := Config{
		StateDir:        os.Getenv("REMINDPIPE_STATE_DIR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		WhatsAppDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		EngineConfig:    os.Getenv("REMINDPIPE_CONFIG"),
		APIAddr:         os.Getenv("API_ADDR"),
		PublicBaseURL:   os.Getenv("PUBLIC_BASE_URL"),
		RabbitURL:       os.Getenv("RABBITMQ_URL"),
		RabbitExchange:  os.Getenv("RABBITMQ_EXCHANGE"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		TwilioEnabled:   util.ParseBoolEnv("TWILIO_ENABLED", false),
		TwilioAuthToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		WhatsAppEnabled: util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		SMTPHost:        os.Getenv("SMTP_HOST"),
		SMTPPort:        util.ParseIntEnv("SMTP_PORT", 0),
		SMTPUsername:    os.Getenv("SMTP_USERNAME"),
		SMTPPassword:    os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:        os.Getenv("SMTP_FROM"),
		ClinicName:      os.Getenv("CLINIC_NAME"),
		ScheduleCron:    os.Getenv("SCHEDULE_CRON"),
		SweepCron:       os.Getenv("SWEEP_CRON"),
		RateLimitRPM:    util.ParseIntEnv("API_RATE_LIMIT_RPM", 0),
		DispatchPoll:    util.ParseDurationEnv("DISPATCH_POLL_INTERVAL", dispatch.DefaultPollInterval),
	}

	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
		slog.Debug("No REMINDPIPE_STATE_DIR set, using default", "default_state_dir", cfg.StateDir)
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = DefaultAPIAddr
	}
	if cfg.ScheduleCron == "" {
		cfg.ScheduleCron = DefaultScheduleCron
	}
	if cfg.SweepCron == "" {
		cfg.SweepCron = DefaultSweepCron
	}

	slog.Debug("environment variables loaded",
		"REMINDPIPE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", cfg.WhatsAppDSN != "",
		"REMINDPIPE_CONFIG", cfg.EngineConfig,
		"API_ADDR", cfg.APIAddr,
		"RABBITMQ_URL_SET", cfg.RabbitURL != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"TWILIO_ENABLED", cfg.TwilioEnabled,
		"WHATSAPP_ENABLED", cfg.WhatsAppEnabled,
		"SMTP_HOST", cfg.SMTPHost)

	return cfg
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(cfg Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], cfg)
}

func parseFlags(fs *flag.FlagSet, args []string, cfg Config) Flags {
	flags := Flags{
		stateDir:       fs.String("state-dir", cfg.StateDir, "state directory for RemindPipe data (overrides $REMINDPIPE_STATE_DIR)"),
		dbDSN:          fs.String("db-dsn", cfg.DatabaseURL, "reminder store DSN: postgres URL, SQLite path or \"memory\"; default is SQLite in the state directory (overrides $DATABASE_URL)"),
		whatsappDSN:    fs.String("whatsapp-db-dsn", cfg.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		engineConfig:   fs.String("config", cfg.EngineConfig, "engine tuning YAML file (overrides $REMINDPIPE_CONFIG)"),
		apiAddr:        fs.String("api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)"),
		publicBaseURL:  fs.String("public-base-url", cfg.PublicBaseURL, "public URL Twilio reaches this service at (overrides $PUBLIC_BASE_URL)"),
		rabbitURL:      fs.String("rabbitmq-url", cfg.RabbitURL, "RabbitMQ URL for engagement events (overrides $RABBITMQ_URL)"),
		rabbitExchange: fs.String("rabbitmq-exchange", cfg.RabbitExchange, "RabbitMQ topic exchange (overrides $RABBITMQ_EXCHANGE)"),
		openaiKey:      fs.String("openai-api-key", cfg.OpenAIKey, "OpenAI API key for reminder personalization (overrides $OPENAI_API_KEY)"),
		twilio:         fs.Bool("twilio", cfg.TwilioEnabled, "send sms and voice reminders through Twilio (overrides $TWILIO_ENABLED)"),
		whatsapp:       fs.Bool("whatsapp", cfg.WhatsAppEnabled, "send app reminders through WhatsApp (overrides $WHATSAPP_ENABLED)"),
		qrOutput:       fs.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:        fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		smtpHost:       fs.String("smtp-host", cfg.SMTPHost, "SMTP host for email reminders (overrides $SMTP_HOST)"),
		smtpPort:       fs.Int("smtp-port", cfg.SMTPPort, "SMTP port (overrides $SMTP_PORT)"),
		smtpUsername:   fs.String("smtp-username", cfg.SMTPUsername, "SMTP username (overrides $SMTP_USERNAME)"),
		smtpPassword:   fs.String("smtp-password", cfg.SMTPPassword, "SMTP password (overrides $SMTP_PASSWORD)"),
		smtpFrom:       fs.String("smtp-from", cfg.SMTPFrom, "email sender address (overrides $SMTP_FROM)"),
		clinicName:     fs.String("clinic-name", cfg.ClinicName, "name reminders are sent from (overrides $CLINIC_NAME)"),
		scheduleCron:   fs.String("schedule-cron", cfg.ScheduleCron, "cron expression for scheduling passes (overrides $SCHEDULE_CRON)"),
		sweepCron:      fs.String("sweep-cron", cfg.SweepCron, "cron expression for the no-show sweep (overrides $SWEEP_CRON)"),
		rateLimitRPM:   fs.Int("rate-limit-rpm", cfg.RateLimitRPM, "API requests per minute per client, 0 disables (overrides $API_RATE_LIMIT_RPM)"),
		dispatchPoll:   fs.Duration("dispatch-poll", cfg.DispatchPoll, "how often pending reminders are dispatched (overrides $DISPATCH_POLL_INTERVAL)"),
		dryRun:         fs.Bool("dry-run", false, "accept reminders on channels without a transport instead of sending them"),
		seedDemo:       fs.Bool("seed-demo", false, "load the four demo patients on startup"),

		twilioAuthToken: cfg.TwilioAuthToken,
	}
	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}
	if *flags.whatsappDSN == "" {
		*flags.whatsappDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_type", store.DetectDSNType(*flags.dbDSN),
		"apiAddr", *flags.apiAddr,
		"twilio", *flags.twilio,
		"whatsapp", *flags.whatsapp,
		"smtpHost", *flags.smtpHost,
		"dryRun", *flags.dryRun,
		"seedDemo", *flags.seedDemo)
	return flags
}

// run wires every component and blocks until SIGINT or SIGTERM.
func run(flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	engineCfg, err := config.Load(*flags.engineConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if *flags.seedDemo {
		if err := seedDemo(ctx, st, engineCfg); err != nil {
			return err
		}
	}

	publisher, err := buildPublisher(flags)
	if err != nil {
		return err
	}
	defer publisher.Close()

	transports, err := buildTransports(flags)
	if err != nil {
		return err
	}
	defer transports.close()

	locks := keylock.New()
	eng := schedule.NewEngine(st, engineCfg, schedule.WithLocks(locks), schedule.WithPublisher(publisher))
	disp := dispatch.New(st, transports.router, engineCfg,
		dispatch.WithLocks(locks),
		dispatch.WithPublisher(publisher),
		dispatch.WithContent(buildContent(flags)),
		dispatch.WithPollInterval(*flags.dispatchPoll))
	trk := tracker.New(st, engineCfg, tracker.WithLocks(locks), tracker.WithPublisher(publisher))
	reports := reporting.New(st, engineCfg)

	sched := scheduler.NewScheduler()
	if err := sched.AddJob(scheduler.JobSchedulePass, *flags.scheduleCron, scheduler.SchedulePassJob(eng)); err != nil {
		return err
	}
	if engineCfg.ResponseWindow > 0 {
		if err := sched.AddJob(scheduler.JobNoShowSweep, *flags.sweepCron, scheduler.NoShowSweepJob(trk, nil)); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		disp.Run(ctx)
	}()
	for _, src := range transports.sources {
		wg.Add(1)
		go func(src messaging.EventSource) {
			defer wg.Done()
			messaging.Pump(ctx, src, trk)
		}(src)
	}

	var apiOpts []api.Option
	if flags.twilioAuthToken != "" && *flags.twilio {
		apiOpts = append(apiOpts, api.WithTwilioWebhookAuth(flags.twilioAuthToken, *flags.publicBaseURL))
	}
	if *flags.rateLimitRPM > 0 {
		apiOpts = append(apiOpts, api.WithRateLimit(api.RateLimitConfig{RequestsPerMinute: *flags.rateLimitRPM}))
	}
	server := api.NewServer(st, eng, disp, trk, reports, engineCfg, apiOpts...)

	slog.Info("Bootstrapping RemindPipe", "channels", transports.router.Channels(), "jobs", sched.Jobs())
	err = server.ListenAndServe(ctx, *flags.apiAddr)
	stop()
	wg.Wait()
	return err
}

// openStore picks the store backend from the DSN.
func openStore(dsn string) (store.Store, error) {
	if dsn == "" || dsn == "memory" {
		slog.Warn("No database DSN provided, using in-memory store; reminders are lost on restart")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, err
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

func buildPublisher(flags Flags) (events.Publisher, error) {
	if *flags.rabbitURL == "" {
		slog.Debug("No RabbitMQ URL provided, engagement events are not published")
		return events.NopPublisher{}, nil
	}
	return events.NewRabbitPublisher(*flags.rabbitURL, *flags.rabbitExchange)
}

func buildContent(flags Flags) dispatch.ContentGenerator {
	base := dispatch.TemplateContent{Sender: *flags.clinicName}
	if *flags.openaiKey == "" {
		return base
	}
	client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Warn("GenAI client unavailable, sending template reminders", "error", err)
		return base
	}
	return dispatch.PersonalizedContent{Base: base, Personalizer: client}
}

// transportSet is the assembled channel router plus what must be pumped and closed.
type transportSet struct {
	router  *messaging.Router
	sources []messaging.EventSource
	closers []func()
}

func (t *transportSet) close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
}

func buildTransports(flags Flags) (*transportSet, error) {
	set := &transportSet{router: messaging.NewRouter()}

	if *flags.twilio {
		opts := []twilioapi.Option{}
		if *flags.publicBaseURL != "" {
			opts = append(opts, twilioapi.WithStatusCallbackURL(*flags.publicBaseURL+"/webhooks/twilio/status"))
		}
		client, err := twilioapi.NewClient(opts...)
		if err != nil {
			return nil, err
		}
		set.router.Handle(messaging.NewTwilioService(client), models.ChannelSMS, models.ChannelVoice)
	}

	if *flags.whatsapp {
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(*flags.whatsappDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			set.close()
			return nil, err
		}
		svc := messaging.NewWhatsAppService(client)
		if err := svc.Start(context.Background()); err != nil {
			set.close()
			return nil, err
		}
		set.router.Handle(svc, models.ChannelApp)
		set.sources = append(set.sources, svc)
		set.closers = append(set.closers, func() {
			svc.Stop()
			if wc := client.GetClient(); wc != nil {
				wc.Disconnect()
			}
		})
	}

	if *flags.smtpHost != "" {
		svc, err := messaging.NewEmailService(messaging.EmailOpts{
			Host:     *flags.smtpHost,
			Port:     *flags.smtpPort,
			Username: *flags.smtpUsername,
			Password: *flags.smtpPassword,
			From:     *flags.smtpFrom,
		})
		if err != nil {
			set.close()
			return nil, err
		}
		set.router.Handle(svc, models.ChannelEmail)
	}

	if *flags.dryRun {
		mock := messaging.NewMockTransport()
		for _, ch := range []models.ChannelType{models.ChannelEmail, models.ChannelSMS, models.ChannelApp, models.ChannelVoice} {
			if !containsChannel(set.router.Channels(), ch) {
				set.router.Handle(mock, ch)
				slog.Info("Dry run: channel accepts reminders without sending", "channel", ch)
			}
		}
	}

	if len(set.router.Channels()) == 0 {
		return nil, errors.New("no delivery channel configured; enable -twilio, -whatsapp, -smtp-host or -dry-run")
	}
	return set, nil
}

func containsChannel(channels []models.ChannelType, ch models.ChannelType) bool {
	for _, c := range channels {
		if c == ch {
			return true
		}
	}
	return false
}
