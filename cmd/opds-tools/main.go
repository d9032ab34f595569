package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/JamesEnglish1028/opds-tools/pkg/classify"
	"github.com/JamesEnglish1028/opds-tools/pkg/config"
	"github.com/JamesEnglish1028/opds-tools/pkg/crawl"
	"github.com/JamesEnglish1028/opds-tools/pkg/fetch"
	"github.com/JamesEnglish1028/opds-tools/pkg/repository"
	"github.com/JamesEnglish1028/opds-tools/server"
)

// Opts with all CLI options
type Opts struct {
	Config string `short:"f" long:"config" env:"CONFIG" description:"config file (yml)"`
	Server bool   `short:"s" long:"server" env:"SERVER" description:"run HTTP server instead of a one-shot analysis"`
	Listen string `short:"l" long:"listen" env:"LISTEN" description:"listen address, overrides config"`

	Kind     string `short:"k" long:"kind" env:"KIND" default:"opds" choice:"opds" choice:"odl" description:"feed kind"`
	MaxPages int    `short:"m" long:"max-pages" env:"MAX_PAGES" description:"stop after this many pages (0 means unlimited)"`
	Parallel bool   `short:"p" long:"parallel" env:"PARALLEL" description:"fetch pages concurrently"`
	Username string `short:"u" long:"user" env:"FEED_USER" description:"basic auth user for the feed"`
	Password string `long:"password" env:"FEED_PASSWORD" description:"basic auth password for the feed"`
	JSON     bool   `long:"json" description:"print the raw result as JSON instead of a report"`

	Args struct {
		URL string `positional-arg-name:"FEED_URL" description:"feed URL to analyze"`
	} `positional-args:"yes"`

	// Common options
	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `short:"V" long:"version" description:"show version info"`
	NoColor bool `long:"no-color" env:"NO_COLOR" description:"disable color output"`
}

var revision = "unknown"

func main() {
	var opts Opts
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if opts.Version {
		fmt.Printf("Version: %s\nGolang: %s\n", revision, runtime.Version())
		os.Exit(0)
	}

	if opts.NoColor {
		color.NoColor = true
	}
	setupLog(opts.Debug, opts.Password)

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// handle termination signals
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Print("[INFO] termination signal received")
		cancel()
	}()

	if opts.Server {
		err = runServer(ctx, cfg, opts)
	} else {
		err = runAnalyze(ctx, cfg, opts)
	}
	cancel()

	if err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file when given, otherwise uses defaults.
// CLI flags win over file values.
func loadConfig(opts Opts) (*config.Config, error) {
	cfg := &config.Config{}
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg.SetDefaults()
	}

	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.MaxPages > 0 {
		cfg.Crawl.MaxPages = opts.MaxPages
	}
	if opts.Parallel {
		cfg.Crawl.Parallel = true
	}
	return cfg, nil
}

func newWalker(cfg *config.Config) (*crawl.Walker, error) {
	fetcher := fetch.New(cfg.Crawl.Timeout,
		fetch.WithAttempts(cfg.Crawl.Attempts),
		fetch.WithBaseDelay(cfg.Crawl.RetryDelay),
		fetch.WithUserAgent(cfg.Crawl.UserAgent),
	)
	return crawl.New(fetcher)
}

// runServer starts the HTTP API backed by the sqlite job store
func runServer(ctx context.Context, cfg *config.Config, opts Opts) error {
	log.Printf("[INFO] starting opds-tools server version %s", revision)

	store, err := repository.New(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer func() {
		if e := store.Close(); e != nil {
			log.Printf("[WARN] job store close error: %v", e)
		}
	}()

	walker, err := newWalker(cfg)
	if err != nil {
		return err
	}

	srv := server.New(cfg, store.Jobs, walker, revision, opts.Debug)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	log.Print("[INFO] shutdown complete")
	return nil
}

// runAnalyze crawls a single feed and prints the report to stdout
func runAnalyze(ctx context.Context, cfg *config.Config, opts Opts) error {
	if opts.Args.URL == "" {
		return fmt.Errorf("feed URL is required, see --help")
	}

	walker, err := newWalker(cfg)
	if err != nil {
		return err
	}

	params := crawl.Params{
		Kind:     classify.Kind(opts.Kind),
		MaxPages: cfg.Crawl.MaxPages,
		Parallel: cfg.Crawl.Parallel,
		Workers:  cfg.Crawl.Workers,
	}
	if opts.Username != "" {
		params.Credentials = &fetch.Credentials{User: opts.Username, Password: opts.Password}
	}
	if !opts.JSON {
		params.Sink = consoleSink()
	}

	res, err := walker.Crawl(ctx, opts.Args.URL, params)
	if err != nil {
		return err
	}

	if opts.JSON {
		return printJSON(os.Stdout, res)
	}
	printReport(os.Stdout, res)
	return nil
}

func setupLog(dbg bool, secs ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	// keep credentials out of the logs
	secrets := make([]string, 0, len(secs))
	for _, s := range secs {
		if s != "" {
			secrets = append(secrets, s)
		}
	}
	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
