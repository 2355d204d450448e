package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wilhg/rewind/examples/counter"
	"github.com/wilhg/rewind/pkg/archive"
	"github.com/wilhg/rewind/pkg/config"
	"github.com/wilhg/rewind/pkg/inspector"
	"github.com/wilhg/rewind/pkg/logger"
	"github.com/wilhg/rewind/pkg/mcpserver"
	rwotel "github.com/wilhg/rewind/pkg/otel"
	"github.com/wilhg/rewind/pkg/replay"
	"github.com/wilhg/rewind/pkg/store"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "rewind: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	cfg         config.Config
	showVersion bool
	restore     string
}

// parseFlags applies command-line overrides on top of the environment config.
func parseFlags(args []string, cfg config.Config, stderr io.Writer) (options, error) {
	o := options{cfg: cfg}
	fs := flag.NewFlagSet("rewind", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	fs.StringVar(&o.cfg.Addr, "addr", cfg.Addr, "inspector http listen address")
	fs.StringVar(&o.cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "archive database (sqlite:<dsn> or postgres://...)")
	fs.StringVar(&o.cfg.ArchiveName, "archive", cfg.ArchiveName, "name the session is saved under on shutdown")
	fs.StringVar(&o.restore, "restore", "", "replay a saved session before serving")
	fs.BoolVar(&o.cfg.MCPStdio, "mcp", cfg.MCPStdio, "serve inspector tools over MCP on stdin/stdout")
	fs.BoolVar(&o.cfg.TraceStderr, "trace", cfg.TraceStderr, "export spans to stderr")
	fs.StringVar(&o.cfg.Log.Level, "log-level", cfg.Log.Level, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.restore != "" && o.cfg.DatabaseURL == "" {
		return options{}, errors.New("-restore needs a database url")
	}
	return o, o.cfg.Log.Validate()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	o, err := parseFlags(args, cfg, stderr)
	if err != nil {
		return err
	}
	if o.showVersion {
		fmt.Fprintf(stdout, "rewind %s (commit=%s, date=%s)\n", version, commit, date)
		return nil
	}

	// stdout belongs to the MCP transport when it is enabled.
	var logOut io.Writer
	if o.cfg.MCPStdio {
		logOut = stderr
	}
	log := logger.New(o.cfg.Log, "rewind", logOut)

	if o.cfg.TraceStderr {
		shutdownTrace, err := rwotel.Init(ctx, rwotel.Config{ServiceName: "rewind", ServiceVersion: version, Writer: stderr})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTrace(sctx)
		}()
	}

	a, err := newApp(ctx, o, log)
	if err != nil {
		return err
	}

	server := &http.Server{Addr: o.cfg.Addr, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 2)
	go func() {
		log.Info().Str("addr", o.cfg.Addr).Msg("inspector listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	if o.cfg.MCPStdio {
		go func() {
			if err := mcpserver.New(a.insp, version, mcpserver.WithLogger(log)).ServeStdio(ctx); err != nil {
				errc <- fmt.Errorf("mcp server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errc:
		log.Error().Err(runErr).Msg("server failed")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return errors.Join(runErr, a.shutdown(sctx))
}

// app is the demo store with its inspector and optional archive.
type app struct {
	log     zerolog.Logger
	store   *store.Store
	insp    *inspector.Inspector
	stores  *inspector.Registry
	archive *archive.Archive
	name    string
	handler http.Handler
}

func newApp(ctx context.Context, o options, log zerolog.Logger) (*app, error) {
	st, err := counter.Build(
		store.WithLogger(log),
		store.WithSagaErrorHandler(func(err error) { log.Warn().Err(err).Msg("saga failed") }),
	)
	if err != nil {
		return nil, err
	}
	a := &app{log: log, store: st, name: o.cfg.ArchiveName}

	if o.cfg.DatabaseURL != "" {
		ar, err := openArchive(ctx, o.cfg.DatabaseURL)
		if err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		a.archive = ar
		if o.restore != "" {
			if err := a.restore(ctx, o.restore); err != nil {
				_ = st.Close(ctx)
				_ = ar.Close()
				return nil, err
			}
		}
	}

	a.insp = inspector.New(st, inspector.WithLogger(log))
	a.stores = inspector.NewRegistry(log)
	if err := a.stores.Register("counter", "main", st); err != nil {
		a.insp.Close()
		_ = st.Close(ctx)
		if a.archive != nil {
			_ = a.archive.Close()
		}
		return nil, err
	}
	mux := http.NewServeMux()
	stores := inspector.NewRegistryHandler(a.stores)
	mux.Handle("/stores", stores)
	mux.Handle("/stores/", stores)
	mux.Handle("/", inspector.NewHandler(a.insp))
	a.handler = mux
	return a, nil
}

func openArchive(ctx context.Context, databaseURL string) (*archive.Archive, error) {
	ar, err := archive.Open(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := ar.Migrate(ctx); err != nil {
		_ = ar.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return ar, nil
}

func (a *app) restore(ctx context.Context, name string) error {
	records, err := a.archive.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load session %q: %w", name, err)
	}
	_, n, err := replay.Run(ctx, a.store, records)
	if err != nil {
		return fmt.Errorf("replay session %q: %w", name, err)
	}
	a.log.Info().Str("session", name).Int("records", len(records)).Int("dispatched", n).Msg("session restored")
	return nil
}

// shutdown stops the store and saves its history when an archive is open.
func (a *app) shutdown(ctx context.Context) error {
	a.stores.Unregister("counter", "main")
	a.insp.Close()
	var errs []error
	if err := a.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if a.archive == nil {
		return errors.Join(errs...)
	}
	if records := a.store.Export(); len(records) > 0 {
		if err := a.archive.Save(ctx, a.name, records); err != nil {
			errs = append(errs, fmt.Errorf("save session: %w", err))
		} else {
			a.log.Info().Str("session", a.name).Int("records", len(records)).Msg("session saved")
		}
	}
	if err := a.archive.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
