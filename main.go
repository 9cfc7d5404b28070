package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
)

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "import":
		err = runImport(args)
	case "group":
		err = runGroup(args)
	case "version":
		fmt.Printf("%s %s\n", serviceName, version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

/* ======= wiring ======= */

type commonFlags struct {
	config  *string
	repo    *string
	dataDir *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config:  fs.String("config", "", "Config file (.yaml, .yml or .toml)"),
		repo:    fs.String("repo", "", "Storage backend: memory|csv|sqlite|redis"),
		dataDir: fs.String("data-dir", "", "Data directory for csv/sqlite storage"),
	}
}

func (f commonFlags) load() (*Config, error) {
	cfg, err := LoadConfig(*f.config)
	if err != nil {
		return nil, err
	}
	if *f.repo != "" {
		cfg.Storage.Kind = *f.repo
	}
	if *f.dataDir != "" {
		cfg.Storage.DataDir = *f.dataDir
	}
	return cfg, nil
}

type app struct {
	cfg     *Config
	log     *zap.Logger
	metrics *Metrics

	positions  *PositionService
	groups     *GroupService
	strategies *StrategyService

	health  func(context.Context) error
	closers []func() error
}

func newApp(cfg *Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	if err := initTracing(cfg.Tracing.Enabled, os.Stderr); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	a := &app{cfg: cfg, log: log, metrics: NewMetrics()}
	posRepo, groupRepo, err := a.openStores()
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", zap.String("kind", cfg.Storage.Kind))

	a.positions = NewPositionService(posRepo, a.metrics, log)
	a.groups = NewGroupService(groupRepo, posRepo)
	a.strategies = NewStrategyService(posRepo, groupRepo, a.metrics, log)
	return a, nil
}

func (a *app) openStores() (PositionRepository, GroupRepository, error) {
	st := a.cfg.Storage
	switch st.Kind {
	case RepoMemory:
		mem := newMemoryStore()
		return NewMemoryPositionRepo(mem), NewMemoryGroupRepo(mem), nil
	case RepoSQLite:
		if err := os.MkdirAll(filepath.Dir(st.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := NewSQLiteStore(st.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		a.health = db.Ping
		a.closers = append(a.closers, db.Close)
		return NewSQLitePositionRepo(db), NewSQLiteGroupRepo(db), nil
	case RepoRedis:
		rs, err := NewRedisStore(st.Redis)
		if err != nil {
			return nil, nil, err
		}
		a.health = rs.Ping
		a.closers = append(a.closers, rs.Close)
		return NewRedisPositionRepo(rs), NewRedisGroupRepo(rs), nil
	default:
		store, err := NewCSVStore(st.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("init csv store: %w", err)
		}
		return NewCSVPositionRepo(store), NewCSVGroupRepo(store), nil
	}
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(ctx); err != nil {
		a.log.Warn("tracing shutdown", zap.Error(err))
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("close storage", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

/* ======= serve ======= */

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := addCommonFlags(fs)
	addr := fs.String("addr", "", "Listen address (default :8080)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s serve [options]\n\nOptions:\n", serviceName)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := NewServer(a.positions, a.groups, a.strategies,
		WithLogger(a.log),
		WithMetrics(a.metrics),
		WithAutoRegroup(cfg.Grouping.AutoRegroup),
		WithCORSOrigin(cfg.Server.CORSOrigin),
		WithImportLocation(cfg.Location()),
		WithHealthCheck(a.health),
	)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

/* ======= import ======= */

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	common := addCommonFlags(fs)
	file := fs.String("file", "", "IBKR Flex Query CSV export (required)")
	regroup := fs.Bool("regroup", false, "Regroup all positions after importing")
	fs.StringVar(file, "f", "", "")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s import -file trades.csv [options]\n\nOptions:\n", serviceName)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		fs.Usage()
		return errors.New("-file is required")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	parsed, err := ParseIBKR(f, cfg.Location())
	if err != nil {
		return err
	}
	res, err := a.positions.Import(ctx, parsed.Trades)
	if err != nil {
		return err
	}
	for _, w := range append(parsed.Warnings, res.Warnings...) {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	fmt.Printf("Imported %d position(s) from %d trade(s), skipped %d\n", res.Imported, len(parsed.Trades), res.Skipped)

	if *regroup {
		out, err := a.strategies.Regroup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Regrouped into %d strategies\n", len(out.Groups))
	}
	return nil
}

/* ======= group ======= */

func runGroup(args []string) error {
	fs := flag.NewFlagSet("group", flag.ExitOnError)
	common := addCommonFlags(fs)
	file := fs.String("file", "", "Group the trades of an IBKR CSV instead of stored positions")
	persist := fs.Bool("persist", false, "Replace stored trade groups with the result")
	format := fs.String("format", FormatTable, "Output format: table|csv|json")
	fs.StringVar(file, "f", "", "")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s group [options]\n\nOptions:\n", serviceName)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}

	if *file != "" {
		if *persist {
			return errors.New("-persist cannot be combined with -file")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		parsed, err := ParseIBKR(f, cfg.Location())
		if err != nil {
			return err
		}
		for _, w := range parsed.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		return WriteGroupReport(os.Stdout, *format, GroupRecords(parsed.Trades).Groups)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	if *persist {
		res, err := a.strategies.Regroup(ctx)
		if err != nil {
			return err
		}
		if *format == FormatJSON {
			return writeIndentedJSON(res)
		}
		return WriteGroupReport(os.Stdout, *format, res.Summaries())
	}
	res, err := a.strategies.Preview(ctx)
	if err != nil {
		return err
	}
	return WriteGroupReport(os.Stdout, *format, res.Groups)
}

func writeIndentedJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%[1]s %[2]s - options strategy tracker

Stores option positions, groups legs opened together into strategies and
computes each strategy's gross proceeds.

Usage:
  %[1]s <command> [options]

Commands:
  serve     Run the HTTP API (default)
  import    Import opening option trades from an IBKR Flex CSV
  group     Print strategies for stored positions or a CSV file
  version   Print version
  help      Show this help

Examples:
  %[1]s serve -addr :9090 -repo sqlite
  %[1]s import -file flex.csv -regroup
  %[1]s group -file flex.csv -format csv
  %[1]s group -persist

Configuration:
  -config file.yaml|file.toml, a .env file, or environment variables
  (REPO_KIND, DATA_DIR, LISTEN_ADDR, LOG_LEVEL, IMPORT_TZ, ...).

`, serviceName, version)
}
