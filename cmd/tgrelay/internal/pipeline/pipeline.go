// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package pipeline runs one fetch, filter, rewrite and publish pass.
package pipeline

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/filter"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/state"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/transform"
	"go.astrophena.name/tgrelay/internal/retry"
)

// Defaults for [Config].
const (
	DefaultMaxItems       = 10
	DefaultPostDelay      = 3 * time.Second
	DefaultFloodWaitLimit = 2 * time.Minute

	// maxStackExcerpt bounds the stack trace sent to the operator.
	maxStackExcerpt = 500
	notifyTimeout   = 30 * time.Second
)

// Publisher delivers posts and operator notifications.
type Publisher interface {
	Publish(ctx context.Context, post transform.Post, attachments []source.Attachment) error
	NotifyOperator(ctx context.Context, text string)
}

// PublishPolicy decides what happens to a post that failed to publish.
type PublishPolicy string

const (
	// RetryNextRun stops the run without advancing past the failed post so
	// that the next run offers it again.
	RetryNextRun PublishPolicy = "retry"
	// SkipFailed records the post before publishing and moves on if
	// publishing fails, so the post is never offered again.
	SkipFailed PublishPolicy = "skip"
)

// ParsePublishPolicy validates a policy name. Empty means RetryNextRun.
func ParsePublishPolicy(s string) (PublishPolicy, error) {
	switch PublishPolicy(s) {
	case "", RetryNextRun:
		return RetryNextRun, nil
	case SkipFailed:
		return SkipFailed, nil
	}
	return "", fmt.Errorf("unknown publish policy %q", s)
}

// Config holds the collaborators and tunables of a run.
type Config struct {
	Fetcher     source.Fetcher
	Filter      *filter.Chain
	Transformer transform.Transformer
	Publisher   Publisher
	Store       state.Store

	MaxItems       int           // defaults to DefaultMaxItems
	PostDelay      time.Duration // defaults to DefaultPostDelay; negative disables
	FloodWaitLimit time.Duration // defaults to DefaultFloodWaitLimit
	LedgerLimit    int           // zero keeps the ledger unbounded
	Policy         PublishPolicy // defaults to RetryNextRun

	Logger *slog.Logger
	// Sleep and Now are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) bool
	Now   func() time.Time
}

// Runner executes runs with a fixed configuration.
type Runner struct {
	cfg Config
	log *slog.Logger
}

// New returns a Runner. Zero tunables take their defaults.
func New(cfg Config) *Runner {
	cfg.MaxItems = cmp.Or(cfg.MaxItems, DefaultMaxItems)
	cfg.PostDelay = cmp.Or(cfg.PostDelay, DefaultPostDelay)
	cfg.FloodWaitLimit = cmp.Or(cfg.FloodWaitLimit, DefaultFloodWaitLimit)
	cfg.Policy = cmp.Or(cfg.Policy, RetryNextRun)
	if cfg.Filter == nil {
		cfg.Filter = &filter.Chain{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{cfg: cfg, log: cmp.Or(cfg.Logger, slog.Default())}
}

type abortError struct {
	err   error
	stack []byte
}

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Run performs one pass. It returns a Summary in every case; a non-nil error
// means the run was aborted and the operator was notified.
func (r *Runner) Run(ctx context.Context) (sum Summary, err error) {
	start := r.cfg.Now()
	sum = Summary{
		Source:   r.cfg.Fetcher.Name(),
		State:    Init,
		Rejected: make(map[filter.Reason]int),
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = &abortError{err: fmt.Errorf("panic: %v", rec), stack: debug.Stack()}
		}
		sum.Duration = r.cfg.Now().Sub(start)
		if err != nil {
			r.abort(ctx, &sum, err)
			return
		}
		r.log.Info("run finished", "summary", sum)
	}()

	err = r.run(ctx, &sum)
	return sum, err
}

func (r *Runner) run(ctx context.Context, sum *Summary) error {
	cfg := r.cfg

	// Loaded.
	watermark, err := cfg.Store.LoadWatermark(ctx)
	if err != nil {
		r.log.Warn("loading watermark failed, starting from scratch", "error", err)
		watermark = 0
	}
	ledger, err := cfg.Store.LoadLedger(ctx, cfg.LedgerLimit)
	if err != nil {
		r.log.Warn("loading ledger failed, starting empty", "error", err)
		ledger = state.NewLedger(cfg.LedgerLimit)
	}
	sum.LoadedWatermark, sum.Watermark = watermark, watermark
	sum.State = Loaded
	r.log.Info("state loaded", "watermark", watermark, "ledger", ledger.Len())

	// Fetched.
	items, err := cfg.Fetcher.FetchSince(ctx, watermark, cfg.MaxItems)
	if err != nil {
		var rl *source.RateLimitError
		switch {
		case errors.As(err, &rl) && rl.Wait <= cfg.FloodWaitLimit:
			r.log.Warn("rate limited, waiting", "wait", rl.Wait, "items", len(items))
			if !cfg.Sleep(ctx, rl.Wait) {
				return ctx.Err()
			}
		case errors.As(err, &rl):
			return fmt.Errorf("flood wait too long (%s), skipping this run: %w", rl.Wait, err)
		case len(items) == 0:
			return fmt.Errorf("fetching from %s: %w", cfg.Fetcher.Name(), err)
		default:
			r.log.Warn("fetch failed after partial results", "items", len(items), "error", err)
		}
	}
	slices.SortStableFunc(items, func(a, b source.Item) int { return cmp.Compare(a.ID, b.ID) })
	sum.Fetched = len(items)
	sum.State = Fetched
	r.log.Info("fetched", "source", cfg.Fetcher.Name(), "items", len(items))

	if len(items) == 0 {
		sum.State = Done
		return nil
	}

	// First-Run Protection: remember where the channel is and publish
	// nothing.
	if watermark == 0 {
		newest := items[len(items)-1].ID
		if err := cfg.Store.SaveWatermark(ctx, newest); err != nil {
			return fmt.Errorf("saving watermark: %w", err)
		}
		sum.Watermark = newest
		sum.FirstRun = true
		sum.State = FirstRun
		r.log.Warn("first run: saved latest id, publishing nothing", "id", newest)
		sum.State = Done
		return nil
	}

	sum.State = Processing
	tracker, err := r.process(ctx, sum, items, watermark, ledger)
	if err != nil {
		return err
	}

	if tracker > watermark {
		if err := cfg.Store.SaveWatermark(ctx, tracker); err != nil {
			return fmt.Errorf("saving watermark: %w", err)
		}
		sum.Watermark = tracker
	}
	sum.State = Saved
	if err := cfg.Store.CompactLedger(ctx, ledger); err != nil {
		r.log.Warn("compacting ledger failed", "error", err)
	}

	sum.State = Done
	return nil
}

// process handles items oldest first and returns the highest ID that is
// safe to save as the watermark.
func (r *Runner) process(ctx context.Context, sum *Summary, items []source.Item, watermark source.ID, ledger *state.Ledger) (source.ID, error) {
	cfg := r.cfg
	tracker := watermark

	for i, item := range items {
		log := r.log.With("id", item.ID)

		if reason, ok := cfg.Filter.Check(item, watermark, ledger); !ok {
			log.Info("skipping", "reason", reason)
			sum.Rejected[reason]++
			tracker = max(tracker, item.ID)
			continue
		}

		sum.Attempted++
		res, err := cfg.Transformer.Transform(ctx, item)
		if err != nil {
			return tracker, fmt.Errorf("transforming %d: %w", item.ID, err)
		}
		if res.Declined {
			log.Warn("declined", "reason", res.Reason)
			sum.Declined++
			tracker = max(tracker, item.ID)
			continue
		}

		key := cfg.Filter.Key(item)
		if cfg.Policy == SkipFailed {
			if err := r.record(ctx, ledger, key); err != nil {
				return tracker, err
			}
		}

		if err := cfg.Publisher.Publish(ctx, res.Post, item.Attachments); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return tracker, ctxErr
			}
			sum.Failed++
			if cfg.Policy == RetryNextRun {
				log.Error("publishing failed, will retry on the next run", "error", err)
				r.notify(ctx, fmt.Sprintf("Publishing %d failed, will retry on the next run: %v", item.ID, err))
				return tracker, nil
			}
			log.Error("publishing failed, skipping", "error", err)
			r.notify(ctx, fmt.Sprintf("Publishing %d failed, skipped: %v", item.ID, err))
			tracker = max(tracker, item.ID)
		} else {
			if cfg.Policy == RetryNextRun {
				if err := r.record(ctx, ledger, key); err != nil {
					return tracker, err
				}
			}
			sum.Published++
			tracker = max(tracker, item.ID)
			log.Info("published", "count", sum.Published)
		}

		if i < len(items)-1 && cfg.PostDelay > 0 {
			if !cfg.Sleep(ctx, cfg.PostDelay) {
				return tracker, ctx.Err()
			}
		}
	}
	return tracker, nil
}

func (r *Runner) record(ctx context.Context, ledger *state.Ledger, key string) error {
	if err := r.cfg.Store.AppendFingerprint(ctx, key); err != nil {
		return fmt.Errorf("recording %s: %w", key, err)
	}
	ledger.Add(key)
	return nil
}

func (r *Runner) abort(ctx context.Context, sum *Summary, err error) {
	from := sum.State
	sum.State = Aborted
	r.log.Error("run aborted", "state", from, "error", err, "summary", *sum)

	if errors.Is(err, context.Canceled) {
		return
	}

	text := fmt.Sprintf("Run aborted in state %s: %v", from, err)
	var ae *abortError
	if errors.As(err, &ae) && len(ae.stack) > 0 {
		text += "\n\n" + stackExcerpt(ae.stack, maxStackExcerpt)
	}

	r.notify(ctx, text)
}

func (r *Runner) notify(ctx context.Context, text string) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	r.cfg.Publisher.NotifyOperator(nctx, text)
}

// stackExcerpt returns at most n bytes of stack, starting at the frame that
// panicked.
func stackExcerpt(stack []byte, n int) string {
	if i := bytes.Index(stack, []byte("\npanic(")); i >= 0 {
		rest := stack[i+1:]
		// Skip the panic call and its file:line.
		for range 2 {
			if j := bytes.IndexByte(rest, '\n'); j >= 0 {
				rest = rest[j+1:]
			}
		}
		stack = rest
	}
	if len(stack) > n {
		stack = stack[:n]
	}
	return string(stack)
}
