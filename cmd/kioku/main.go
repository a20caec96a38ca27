package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/conorfennell/kioku/internal/auth"
	"github.com/conorfennell/kioku/internal/config"
	"github.com/conorfennell/kioku/internal/fsrs"
	"github.com/conorfennell/kioku/internal/mcp"
	"github.com/conorfennell/kioku/internal/review"
	"github.com/conorfennell/kioku/internal/storage"
	"github.com/conorfennell/kioku/internal/storage/postgres"
	ksync "github.com/conorfennell/kioku/internal/sync"
	"github.com/conorfennell/kioku/internal/web"
)

var version = "dev"

const usage = `usage: kioku [flags] <command> [args]

commands:
  serve                         run the HTTP API
  mcp                           serve MCP tools on stdio
  sync                          reconcile every deck source
  add-source <path|git-url>     register a deck source and sync it
  enroll <learner> <source-id>  give a learner cards for a source
  due <learner>                 list a learner's due cards

flags:
`

// store is satisfied by both storage backends.
type store interface {
	review.Store
	ksync.Catalog
	web.Store
	Close() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("kioku-failed")
	}
}

func run(args []string, out io.Writer) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	fs := config.NewFlagSet("kioku")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	log.Logger = logger
	if unknown := mcp.ValidateDisabledTools(cfg.MCP.DisabledTools); len(unknown) > 0 {
		log.Warn().Strs("tools", unknown).Msg("unknown-disabled-tools")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	command := fs.Arg(0)
	if command == "" {
		fs.Usage()
		return errors.New("no command given")
	}
	rest := fs.Args()[1:]

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	sched, err := fsrs.NewScheduler(cfg.SchedulerParams())
	if err != nil {
		return err
	}
	reviews := review.New(st, sched)
	syncer := ksync.New(st, cfg.Sync.ReposDir)

	switch command {
	case "serve":
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           web.NewServer(st, reviews, syncer, auth.NewVerifier(cfg.HTTP.JWTSecret, cfg.HTTP.JWTIssuer)).Handler(logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return web.Run(ctx, srv)

	case "mcp":
		return mcp.Run(reviews, cfg, version)

	case "sync":
		reports, err := syncer.Run(ctx)
		if err != nil {
			return err
		}
		for _, r := range reports {
			printReport(out, r)
		}
		return nil

	case "add-source":
		if len(rest) != 1 {
			return errors.New("add-source needs a path or git URL")
		}
		src, created, err := syncer.AddSource(ctx, rest[0])
		if err != nil {
			return err
		}
		if !created {
			fmt.Fprintf(out, "Source %d already registered: %s\n", src.ID, src.Path)
		}
		report, err := syncer.SyncSource(ctx, *src)
		if err != nil {
			return err
		}
		printReport(out, *report)
		return nil

	case "enroll":
		if len(rest) != 2 {
			return errors.New("enroll needs <learner> <source-id>")
		}
		sourceID, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid source id %q", rest[1])
		}
		res, err := reviews.EnrollSource(ctx, rest[0], sourceID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Enrolled %s in %d new items (%d already enrolled).\n", rest[0], res.Enrolled, res.Existing)
		return nil

	case "due":
		if len(rest) != 1 {
			return errors.New("due needs <learner>")
		}
		return printDue(ctx, out, st, reviews, rest[0])

	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func newLogger(c config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stderr
	if c.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).With().Timestamp().Logger(), nil
}

func openStore(ctx context.Context, c config.StorageConfig) (store, error) {
	if c.Driver == "postgres" {
		pg, err := postgres.Open(ctx, c.DSN, c.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	db, err := storage.Open(c.Path, c.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func printReport(out io.Writer, r ksync.Report) {
	fmt.Fprintf(out, "Source %d (%s): %d parsed, %d new, %d restored, %d retired, %d errors.\n",
		r.SourceID, r.Path, r.Parsed, r.Inserted, r.Restored, r.Retired, len(r.Errors))
	for _, e := range r.Errors {
		fmt.Fprintf(out, "  - %s\n", e)
	}
}

func printDue(ctx context.Context, out io.Writer, st store, reviews *review.Service, learner string) error {
	cards, err := reviews.Due(ctx, learner, review.DefaultDueLimit)
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		fmt.Fprintln(out, "Nothing due.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CARD\tSTATE\tDUE\tPROMPT")
	for _, c := range cards {
		prompt := c.ItemHash
		if item, err := st.FindItemByHash(ctx, c.ItemHash); err == nil && item != nil {
			prompt = item.Prompt
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.State, c.Due.Local().Format(time.DateTime), prompt)
	}
	return tw.Flush()
}
