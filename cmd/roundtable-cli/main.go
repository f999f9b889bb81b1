// Command roundtable-cli runs one conversation locally from a catalog file,
// without Redis or Telegram, and prints the transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"roundtable/internal/catalog"
	"roundtable/internal/conversation"
	"roundtable/internal/orchestrator"
	"roundtable/internal/providers/registry"
	"roundtable/internal/retry"
	"roundtable/internal/storage"
)

const archiveTimeout = 10 * time.Second

type options struct {
	catalogPath string
	personas    string
	topic       string
	turns       int
	timeout     time.Duration
	out         string
	archive     string
	selector    string
	format      string
	dryRun      bool
	verbose     bool
}

func parseFlags(args []string) (options, error) {
	var o options
	set := flag.NewFlagSet("roundtable-cli", flag.ContinueOnError)
	set.StringVar(&o.catalogPath, "catalog", "catalog.yaml", "persona catalog file")
	set.StringVar(&o.personas, "personas", "", "comma separated persona names, in speaking order")
	set.StringVar(&o.topic, "topic", "", "opening message")
	set.IntVar(&o.turns, "turns", 6, "maximum participant turns")
	set.DurationVar(&o.timeout, "timeout", 45*time.Second, "timeout per backend call")
	set.StringVar(&o.out, "out", "", "write the transcript to this file instead of stdout")
	set.StringVar(&o.archive, "archive", "", "also save the session into this sqlite file")
	set.StringVar(&o.selector, "selector", "round_robin", "turn policy: round_robin or addressed")
	set.StringVar(&o.format, "format", "text", "transcript format: text or markdown")
	set.BoolVar(&o.dryRun, "dry-run", false, "use scripted backends instead of calling providers")
	set.BoolVar(&o.verbose, "v", false, "debug logging")
	if err := set.Parse(args); err != nil {
		return o, err
	}
	if strings.TrimSpace(o.personas) == "" {
		return o, errors.New("-personas is required")
	}
	if strings.TrimSpace(o.topic) == "" {
		return o, errors.New("-topic is required")
	}
	if o.turns < 1 {
		return o, errors.New("-turns must be at least 1")
	}
	if o.format != "text" && o.format != "markdown" {
		return o, fmt.Errorf("unknown -format %q", o.format)
	}
	if _, ok := orchestrator.SelectorByName(o.selector); !ok {
		return o, fmt.Errorf("unknown -selector %q", o.selector)
	}
	return o, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(level).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal().Err(err).Msg("failed to load .env")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := run(ctx, o, os.Getenv, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("session could not be started")
	}
	if err := writeTranscript(o, res); err != nil {
		log.Fatal().Err(err).Msg("failed to write transcript")
	}
	if o.archive != "" {
		if err := archive(ctx, o, res); err != nil {
			log.Fatal().Err(err).Str("path", o.archive).Msg("failed to archive session")
		}
	}

	ev := log.Info()
	if res.Err != nil {
		ev = log.Warn().Err(res.Err)
	}
	ev.Str("session_id", res.SessionID).Str("state", res.State.String()).Int("turns", res.Turns).Msg("session finished")
	if res.State != orchestrator.StateCompleted {
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, getenv func(string) string, logger zerolog.Logger) (orchestrator.Result, error) {
	cat, err := catalog.Load(o.catalogPath)
	if err != nil {
		return orchestrator.Result{}, err
	}

	hc := &http.Client{Timeout: o.timeout + 15*time.Second}
	var participants []orchestrator.Participant
	for _, name := range strings.Split(o.personas, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		opts, tools, err := cat.BuildOptions(name, getenv, hc)
		if err != nil {
			return orchestrator.Result{}, err
		}
		if o.dryRun {
			opts.Kind = registry.KindScripted
		}
		backend, err := registry.Build(opts)
		if err != nil {
			return orchestrator.Result{}, fmt.Errorf("build backend of %s: %w", name, err)
		}
		participants = append(participants, orchestrator.Participant{ID: opts.Persona.Name, Backend: backend, Tools: tools})
	}

	selector, _ := orchestrator.SelectorByName(o.selector)
	orch := orchestrator.New(orchestrator.Options{
		Logger: logger,
		Defaults: orchestrator.Config{
			MaxTurns:    o.turns,
			Select:      selector,
			CallTimeout: o.timeout,
			Retry:       retry.Default(),
		},
	})
	return orch.RunSession(ctx, orchestrator.Request{
		InitialMessage: o.topic,
		Participants:   participants,
	}), nil
}

func writeTranscript(o options, res orchestrator.Result) error {
	var w io.Writer = os.Stdout
	if o.out != "" {
		f, err := os.Create(o.out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if o.format == "markdown" {
		return conversation.WriteMarkdown(w, o.topic, res.Transcript)
	}
	return conversation.WriteText(w, "conversation", res.Transcript)
}

// archive stores the result even when ctx was cancelled, so an interrupted
// session is still kept.
func archive(ctx context.Context, o options, res orchestrator.Result) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	store, err := storage.Open(ctx, "sqlite", o.archive, true)
	if err != nil {
		return err
	}
	defer store.Close()

	var names []string
	for _, n := range strings.Split(o.personas, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	rec := storage.SessionRecord{
		ID:           res.SessionID,
		Topic:        o.topic,
		Participants: names,
		State:        res.State.String(),
		Turns:        res.Turns,
		CreatedAt:    time.Now().UTC(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return store.SaveSession(ctx, rec, res.Transcript)
}
