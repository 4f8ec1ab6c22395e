// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/filter"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/metrics"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/pipeline"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/publish"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/state"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/transform"
	"go.astrophena.name/tgrelay/internal/cli"
	"go.astrophena.name/tgrelay/internal/httplogger"
	"go.astrophena.name/tgrelay/internal/logger"
	"go.astrophena.name/tgrelay/internal/request"
	"go.astrophena.name/tgrelay/internal/systemd"
)

func main() { cli.Main(new(app)) }

type app struct {
	// flags
	configPath string
	dry        bool
	json       bool
	verbose    bool

	// dotenv is the .env file read for missing environment variables.
	dotenv string
	// httpc and sleep are replaced in tests.
	httpc *http.Client
	sleep func(ctx context.Context, d time.Duration) bool

	cfg *Config
	log *slog.Logger
}

func (a *app) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.configPath, "config", "", "Path to the YAML config `file`. Defaults to $TGRELAY_CONFIG.")
	fs.BoolVar(&a.dry, "dry", false, "Enable dry-run mode: log posts instead of sending them and don't save state.")
	fs.BoolVar(&a.json, "json", false, "Output in JSON format (honored in supported commands).")
	fs.BoolVar(&a.verbose, "v", false, "Enable debug logging.")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	l := logger.Get(ctx)
	if a.verbose || a.dry {
		l.Level.Set(slog.LevelDebug)
	}
	a.log = l.Logger

	if len(env.Args) == 0 {
		return fmt.Errorf("%w: command is required, see -help for usage", cli.ErrInvalidArgs)
	}
	command, args := env.Args[0], env.Args[1:]

	getenv, err := getenv(env.Getenv, cmp.Or(a.dotenv, ".env"))
	if err != nil {
		return err
	}
	a.cfg, err = loadConfig(cmp.Or(a.configPath, getenv("TGRELAY_CONFIG")), getenv)
	if err != nil {
		return err
	}

	switch command {
	case "run":
		if len(args) != 0 {
			return fmt.Errorf("%w: run takes no arguments", cli.ErrInvalidArgs)
		}
		return a.run(ctx, getenv)
	case "state":
		return a.printState(ctx, env.Stdout, getenv)
	case "set-watermark":
		if len(args) != 1 {
			return fmt.Errorf("%w: set-watermark expects a post ID", cli.ErrInvalidArgs)
		}
		id, err := source.ParseID(args[0])
		if err != nil {
			return fmt.Errorf("%w: %v", cli.ErrInvalidArgs, err)
		}
		return a.setWatermark(ctx, env.Stdout, getenv, id)
	case "check":
		return a.check(env.Stdout)
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}
}

// httpClient returns the client for all upstream APIs. With -v, requests are
// logged with secrets scrubbed.
func (a *app) httpClient() *http.Client {
	httpc := cmp.Or(a.httpc, request.DefaultClient)
	if !a.verbose {
		return httpc
	}
	c := *httpc
	c.Transport = httplogger.New(httpc.Transport, a.log, a.cfg.scrubber())
	return &c
}

func (a *app) run(ctx context.Context, getenv func(string) string) error {
	if err := a.cfg.validate(a.dry); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	dir, err := a.cfg.stateDir(getenv)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	release, err := state.Lock(dir)
	if err != nil {
		return err
	}
	defer release()

	store, err := a.openStore(ctx, dir)
	if err != nil {
		return err
	}
	defer store.Close()
	if a.dry {
		if store, err = a.dryStore(ctx, store); err != nil {
			return err
		}
	}

	runner, closeFn, err := a.newRunner(ctx, store)
	if err != nil {
		return err
	}
	defer closeFn()

	sd := systemd.FromEnv(cli.GetEnv(ctx).Getenv, a.log)
	wctx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go sd.WatchdogLoop(wctx)

	sum, err := runner.Run(ctx)
	sd.Notify(systemd.Status(sum.String()))
	if path := a.cfg.Run.MetricsFile; path != "" && !a.dry {
		if merr := metrics.WriteTextfile(path, sum, time.Now()); merr != nil {
			a.log.Warn("writing metrics", "path", path, "err", merr)
		}
	}
	if a.json {
		if jerr := writeJSON(cli.GetEnv(ctx).Stdout, sum); jerr != nil {
			return errors.Join(err, jerr)
		}
	}
	return err
}

// dryStore copies the persisted state into memory so that a dry run sees the
// real watermark and ledger without changing them. A corrupt watermark reads
// as zero, the same as in a real run.
func (a *app) dryStore(ctx context.Context, s state.Store) (state.Store, error) {
	wm, err := s.LoadWatermark(ctx)
	if errors.Is(err, state.ErrCorrupt) {
		a.log.Warn("loading watermark failed, starting from scratch", "err", err)
		wm, err = 0, nil
	}
	if err != nil {
		return nil, err
	}
	l, err := s.LoadLedger(ctx, a.cfg.Run.LedgerLimit)
	if err != nil {
		return nil, err
	}
	return state.NewMem(wm, l.Keys()...), nil
}

func (a *app) openStore(ctx context.Context, dir string) (state.Store, error) {
	switch a.cfg.Storage.Backend {
	case "redis":
		return state.OpenRedis(ctx, state.RedisOptions{
			Addr:     a.cfg.env.RedisAddr,
			Password: a.cfg.env.RedisPassword,
			DB:       a.cfg.Storage.DB,
			Prefix:   a.cfg.Storage.Prefix,
		})
	case "sqlite":
		return state.OpenSQLite(ctx, dir)
	}
	return state.OpenFile(dir)
}

// newRunner wires the pipeline. The returned func releases model clients.
func (a *app) newRunner(ctx context.Context, store state.Store) (*pipeline.Runner, func() error, error) {
	cfg := a.cfg
	httpc := a.httpClient()

	fetcher, err := source.New(cfg.Source, cfg.sourceDeps(httpc, a.log))
	if err != nil {
		return nil, nil, err
	}

	chain, err := a.newFilter()
	if err != nil {
		return nil, nil, err
	}

	model, closeFn, err := a.newModel(ctx)
	if err != nil {
		return nil, nil, err
	}
	rewriter := transform.New(model, transform.Options{
		MaxInputLength: cfg.Transform.MaxInputLength,
		MinLength:      cfg.Transform.MinLength,
		DeclineToken:   cfg.Transform.DeclineToken,
		UserTemplate:   cfg.Transform.UserTemplate,
		Timeout:        time.Duration(cfg.Transform.Timeout),
		Logger:         a.log,
	})

	publisher := publish.New(publish.Config{
		Token:              cfg.env.TelegramToken,
		ChatID:             cfg.env.ChatID,
		AdminChatID:        cfg.env.AdminChatID,
		Footer:             cfg.Publish.Footer,
		SendMedia:          cfg.Publish.SendMedia,
		DisableLinkPreview: cfg.Publish.DisableLinkPreview,
		DryRun:             a.dry,
		BaseURL:            cfg.Publish.BaseURL,
		HTTPClient:         httpc,
		Logger:             a.log,
	})

	policy, err := pipeline.ParsePublishPolicy(cfg.Run.Policy)
	if err != nil {
		return nil, nil, errors.Join(err, closeFn())
	}

	runner := pipeline.New(pipeline.Config{
		Fetcher:        fetcher,
		Filter:         chain,
		Transformer:    rewriter,
		Publisher:      publisher,
		Store:          store,
		MaxItems:       cfg.Run.MaxItems,
		PostDelay:      time.Duration(cfg.Run.PostDelay),
		FloodWaitLimit: time.Duration(cfg.Run.FloodWaitLimit),
		LedgerLimit:    cfg.Run.LedgerLimit,
		Policy:         policy,
		Logger:         a.log,
		Sleep:          a.sleep,
	})
	return runner, closeFn, nil
}

func (a *app) newFilter() (*filter.Chain, error) {
	dedupe, err := filter.ParseDedupeBy(a.cfg.Filter.Dedupe)
	if err != nil {
		return nil, err
	}
	chain := &filter.Chain{AdKeywords: a.cfg.Filter.AdKeywords, DedupeBy: dedupe}
	if path := a.cfg.blockRulePath(); path != "" {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		chain.BlockRule, err = filter.CompileRule(path, string(src), a.log)
		if err != nil {
			return nil, err
		}
	}
	return chain, nil
}

func (a *app) newModel(ctx context.Context) (transform.Model, func() error, error) {
	tc := a.cfg.Transform
	opts := transform.ModelOptions{
		Name:         tc.Model,
		SystemPrompt: tc.SystemPrompt,
		Temperature:  tc.Temperature,
		MaxTokens:    tc.MaxTokens,
		BaseURL:      tc.BaseURL,
		HTTPClient:   a.httpc,
	}
	noop := func() error { return nil }
	switch tc.Provider {
	case "openai":
		opts.APIKey = a.cfg.env.OpenAIAPIKey
		opts.HTTPClient = a.httpClient()
		return transform.NewOpenAI(opts), noop, nil
	case "cohere":
		opts.APIKey = a.cfg.env.CohereAPIKey
		opts.HTTPClient = a.httpClient()
		return transform.NewCohere(opts), noop, nil
	}
	opts.APIKey = a.cfg.env.GeminiAPIKey
	g, err := transform.NewGemini(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return g, g.Close, nil
}

type stateReport struct {
	Backend   string    `json:"backend"`
	Watermark source.ID `json:"watermark"`
	Ledger    int       `json:"ledger"`
}

func (a *app) printState(ctx context.Context, w io.Writer, getenv func(string) string) error {
	store, backend, err := a.openConfiguredStore(ctx, getenv)
	if err != nil {
		return err
	}
	defer store.Close()

	wm, err := store.LoadWatermark(ctx)
	if err != nil {
		return err
	}
	l, err := store.LoadLedger(ctx, 0)
	if err != nil {
		return err
	}
	r := stateReport{Backend: backend, Watermark: wm, Ledger: l.Len()}
	if a.json {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "Backend:   %s\nWatermark: %d\nLedger:    %d entries\n", r.Backend, r.Watermark, r.Ledger)
	return nil
}

func (a *app) setWatermark(ctx context.Context, w io.Writer, getenv func(string) string, id source.ID) error {
	dir, err := a.cfg.stateDir(getenv)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	release, err := state.Lock(dir)
	if err != nil {
		return err
	}
	defer release()

	store, _, err := a.openConfiguredStore(ctx, getenv)
	if err != nil {
		return err
	}
	defer store.Close()

	old, err := store.LoadWatermark(ctx)
	if err != nil && !errors.Is(err, state.ErrCorrupt) {
		return err
	}
	if a.dry {
		fmt.Fprintf(w, "Would change watermark from %d to %d.\n", old, id)
		return nil
	}
	if err := store.SaveWatermark(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(w, "Changed watermark from %d to %d.\n", old, id)
	return nil
}

func (a *app) openConfiguredStore(ctx context.Context, getenv func(string) string) (state.Store, string, error) {
	backend := cmp.Or(a.cfg.Storage.Backend, "file")
	switch backend {
	case "file", "sqlite":
		dir, err := a.cfg.stateDir(getenv)
		if err != nil {
			return nil, "", err
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, "", err
		}
		s, err := a.openStore(ctx, dir)
		return s, backend + " " + dir, err
	case "redis":
		s, err := a.openStore(ctx, "")
		return s, backend + " " + a.cfg.env.RedisAddr, err
	}
	return nil, "", fmt.Errorf("unknown storage backend %q", backend)
}

func (a *app) check(w io.Writer) error {
	verr := a.cfg.validate(a.dry)
	b, err := a.cfg.redacted()
	if err != nil {
		return err
	}
	w.Write(b)
	if verr != nil {
		return fmt.Errorf("invalid configuration:\n%w", verr)
	}
	fmt.Fprintln(w, "# configuration is valid")
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
