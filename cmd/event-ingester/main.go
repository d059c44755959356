package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	jsonhandler "github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/spf13/pflag"

	"github.com/colinpriest/bank-reputation-damage-events/internal/api"
	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/scheduler"
	"github.com/colinpriest/bank-reputation-damage-events/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

const usage = `event-ingester collects negative events about US banks.

Usage:
  event-ingester <command> [flags]

Commands:
  run       run one connector       --connector NAME [--since YYYY-MM-DD]
  daily     run every connector     [--date YYYY-MM-DD]
  backfill  backfill one month      --year YYYY --month M
  query     query stored events     [--id ID | --institution NAME | --start --end --category --regulator] [--limit N]
  stats     print repository statistics
  health    probe every connector's discovery
  serve     run the schedule loop and the read API

Global flags:
  --config PATH       YAML configuration (defaults when empty)
  --env-file PATH     dotenv file (default .env)
  --log-level LEVEL   debug|info|warn|error
  --log-format FMT    text|json
`

type globals struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func newFlagSet(name string) (*pflag.FlagSet, *globals) {
	g := &globals{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&g.configPath, "config", "", "path to YAML config")
	fs.StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the config")
	fs.StringVar(&g.logLevel, "log-level", "", "log level (overrides config)")
	fs.StringVar(&g.logFormat, "log-format", "", "log format text|json (overrides config)")
	return fs, g
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(os.Stderr, usage)
		return nil
	}
	if args[0] == "version" || args[0] == "--version" {
		fmt.Println(Version)
		return nil
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, rest := args[0], args[1:]
	fs, g := newFlagSet(cmd)
	switch cmd {
	case "run":
		name := fs.String("connector", "", "connector name")
		since := fs.String("since", "", "start date YYYY-MM-DD (default yesterday)")
		return withApp(fs, g, rest, func(a *app) error {
			if *name == "" {
				return config.Errorf("--connector is required (one of %s)", strings.Join(a.sched.Connectors(), ", "))
			}
			d, err := optionalDate(*since)
			if err != nil {
				return err
			}
			if d.IsZero() {
				d = model.DateOf(time.Now().UTC()).AddDays(-1)
			}
			rep, err := a.sched.RunConnector(ctx, *name, d)
			if err != nil {
				return err
			}
			return printJSON(rep)
		})
	case "daily":
		date := fs.String("date", "", "target date YYYY-MM-DD (default yesterday)")
		return withApp(fs, g, rest, func(a *app) error {
			d, err := optionalDate(*date)
			if err != nil {
				return err
			}
			return printJSON(a.sched.RunDaily(ctx, d))
		})
	case "backfill":
		year := fs.Int("year", 0, "year")
		month := fs.Int("month", 0, "month 1..12")
		return withApp(fs, g, rest, func(a *app) error {
			rep, err := a.sched.RunMonthlyBackfill(ctx, *year, *month)
			if err != nil {
				return err
			}
			return printJSON(rep)
		})
	case "query":
		id := fs.String("id", "", "event id")
		inst := fs.String("institution", "", "institution name substring")
		start := fs.String("start", "", "from YYYY-MM-DD")
		end := fs.String("end", "", "to YYYY-MM-DD")
		cats := fs.StringSlice("category", nil, "category (repeatable)")
		regs := fs.StringSlice("regulator", nil, "regulator (repeatable)")
		limit := fs.Int("limit", store.DefaultLimit, "maximum events")
		return withApp(fs, g, rest, func(a *app) error {
			if *id != "" {
				ev, err := a.repo.GetEventByID(ctx, *id)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("event %s not found", *id)
				}
				if err != nil {
					return err
				}
				return printJSON(ev)
			}
			if *inst != "" && *start == "" && *end == "" && len(*cats) == 0 && len(*regs) == 0 {
				evs, err := a.repo.GetEventsByInstitution(ctx, *inst, *limit)
				if err != nil {
					return err
				}
				return printJSON(evs)
			}
			f := store.Filter{Categories: *cats, Regulators: *regs, Institution: *inst}
			var err error
			if f.Start, err = optionalDate(*start); err != nil {
				return err
			}
			if f.End, err = optionalDate(*end); err != nil {
				return err
			}
			evs, err := a.repo.GetEvents(ctx, f, *limit)
			if err != nil {
				return err
			}
			return printJSON(evs)
		})
	case "stats":
		return withApp(fs, g, rest, func(a *app) error {
			st, err := a.sched.Statistics(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	case "health":
		return withApp(fs, g, rest, func(a *app) error {
			return printJSON(a.sched.HealthCheck(ctx))
		})
	case "serve":
		return withApp(fs, g, rest, func(a *app) error {
			return serve(ctx, a)
		})
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type app struct {
	cfg   config.Config
	repo  *store.Repository
	sched *scheduler.Scheduler
}

// withApp parses flags, loads configuration and storage, then runs fn.
func withApp(fs *pflag.FlagSet, g *globals, args []string, fn func(*app) error) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := config.LoadEnv(g.envFile); err != nil {
		return err
	}
	var (
		cfg config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.Load(g.configPath)
	} else {
		cfg = config.Default()
		err = cfg.Validate()
	}
	if err != nil {
		return err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return err
	}
	log.WithField("version", Version).Debug("event-ingester starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	repo, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	cancel()
	if err != nil {
		return err
	}
	defer repo.Close()

	sched, err := scheduler.FromConfig(cfg, repo)
	if err != nil {
		return err
	}
	defer sched.Close()
	return fn(&app{cfg: cfg, repo: repo, sched: sched})
}

func setupLogging(c config.LoggingConfig) error {
	lvl, err := log.ParseLevel(c.Level)
	if err != nil {
		return config.Errorf("log level %q: %v", c.Level, err)
	}
	log.SetLevel(lvl)
	switch c.Format {
	case "json":
		log.SetHandler(jsonhandler.New(os.Stderr))
	case "", "text":
		log.SetHandler(text.New(os.Stderr))
	default:
		return config.Errorf("unknown log format %q", c.Format)
	}
	return nil
}

func optionalDate(s string) (model.Date, error) {
	if s == "" {
		return model.Date{}, nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return d, config.Errorf("invalid date %q: %v", s, err)
	}
	return d, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serve(ctx context.Context, a *app) error {
	var srv *http.Server
	if a.cfg.API.Enable {
		h := api.NewHandlers(a.repo, a.sched)
		srv = &http.Server{
			Addr:              a.cfg.API.ListenAddress,
			Handler:           h.Router(a.cfg.Metrics.Enable),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.WithField("addr", srv.Addr).Info("read api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("read api stopped")
			}
		}()
	}
	log.WithFields(log.Fields{"connectors": len(a.sched.Connectors()), "interval": a.cfg.Scheduler.Interval}).Info("scheduler started")
	err := a.sched.Serve(ctx, a.cfg.Scheduler.Interval)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}
