// Package fetch runs poll-and-process cycles, once or on a cron schedule.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"servicecert/internal/logging"
	"servicecert/internal/processing"
)

const (
	DefaultCheckpointName = "ticket.closed"
	DefaultLookback       = 24 * time.Hour
	summaryTitle          = "Service certificate run"
)

type Poller interface {
	ClosedTicketIDs(ctx context.Context, since time.Time, unprocessedOnly bool) ([]string, error)
}

type Processor interface {
	Process(ctx context.Context, ticketID string) (processing.Outcome, error)
}

type Checkpoints interface {
	Checkpoint(ctx context.Context, name string) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, name string, polledAt time.Time) error
}

type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

type Options struct {
	CheckpointName  string
	Lookback        time.Duration
	UnprocessedOnly bool
	Concurrency     int
	Location        *time.Location
	Logger          *zap.Logger
	Now             func() time.Time
}

// TicketNote lists a ticket that needs a human.
type TicketNote struct {
	TicketID     string
	TicketNumber string
	Reason       string
}

// RunSummary tracks one poll-and-process cycle.
type RunSummary struct {
	RunID       string
	Since       time.Time
	StartedAt   time.Time
	Duration    time.Duration
	Polled      int
	Skipped     int
	Succeeded   int
	NeedsReview []TicketNote
	Failed      []TicketNote
	Errors      []string
}

type Runner struct {
	poller      Poller
	processor   Processor
	checkpoints Checkpoints
	notifier    Notifier
	opts        Options
	log         *zap.Logger
}

// NewRunner builds a runner. notifier may be nil.
func NewRunner(p Poller, proc Processor, cps Checkpoints, notifier Notifier, opts Options) *Runner {
	if opts.CheckpointName == "" {
		opts.CheckpointName = DefaultCheckpointName
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		poller:      p,
		processor:   proc,
		checkpoints: cps,
		notifier:    notifier,
		opts:        opts,
		log:         logging.OrNop(opts.Logger),
	}
}

// RunOnce polls for closed tickets since the last checkpoint and processes
// each of them. The checkpoint moves to the run start only when every
// ticket reached an outcome without error, so failures are polled again.
func (r *Runner) RunOnce(ctx context.Context) (RunSummary, error) {
	summary := RunSummary{RunID: uuid.NewString(), StartedAt: r.opts.Now()}
	log := r.log.With(zap.String("run_id", summary.RunID))

	since, ok, err := r.checkpoints.Checkpoint(ctx, r.opts.CheckpointName)
	if err != nil {
		return summary, err
	}
	if !ok {
		since = summary.StartedAt.Add(-r.opts.Lookback)
	}
	summary.Since = since
	log.Info("run started", zap.Time("since", since), zap.Bool("first_run", !ok))

	ids, err := r.poller.ClosedTicketIDs(ctx, since, r.opts.UnprocessedOnly)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("poll: %v", err))
		summary.Duration = time.Since(summary.StartedAt)
		return summary, fmt.Errorf("polling closed tickets: %w", err)
	}
	summary.Polled = len(ids)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", id, err))
				mu.Unlock()
				return nil
			}
			out, err := r.processor.Process(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			summary.add(out, err)
			return nil
		})
	}
	_ = g.Wait()
	summary.Duration = time.Since(summary.StartedAt)

	if len(summary.Errors) == 0 && len(summary.Failed) == 0 {
		if err := r.checkpoints.SetCheckpoint(ctx, r.opts.CheckpointName, summary.StartedAt); err != nil {
			return summary, err
		}
	} else {
		log.Warn("checkpoint not advanced",
			zap.Int("failed", len(summary.Failed)),
			zap.Int("errors", len(summary.Errors)))
	}

	log.Info("run complete",
		zap.Int("polled", summary.Polled),
		zap.Int("skipped", summary.Skipped),
		zap.Int("success", summary.Succeeded),
		zap.Int("needs_review", len(summary.NeedsReview)),
		zap.Int("failed", len(summary.Failed)),
		zap.Int("errors", len(summary.Errors)),
		zap.Duration("duration", summary.Duration))
	return summary, ctx.Err()
}

func (s *RunSummary) add(out processing.Outcome, err error) {
	note := TicketNote{TicketID: out.TicketID, TicketNumber: out.TicketNumber, Reason: out.Reason}
	// A failed outcome always carries an error; its reason is the note.
	switch {
	case out.Kind == processing.OutcomeFailed:
		s.Failed = append(s.Failed, note)
	case err != nil:
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", out.TicketID, err))
	case out.Kind == processing.OutcomeSkipped:
		s.Skipped++
	case out.Kind == processing.OutcomeSuccess:
		s.Succeeded++
	case out.Kind == processing.OutcomeNeedsReview:
		s.NeedsReview = append(s.NeedsReview, note)
	}
}

// RunAndNotify runs once and posts the summary when a notifier is set.
// Notification failures are logged, never returned.
func (r *Runner) RunAndNotify(ctx context.Context) (RunSummary, error) {
	summary, runErr := r.RunOnce(ctx)
	if runErr != nil {
		r.log.Error("run failed", zap.String("run_id", summary.RunID), zap.Error(runErr))
	}
	if r.notifier != nil && !errors.Is(runErr, context.Canceled) {
		if err := r.notifier.Notify(ctx, summaryTitle, FormatRunSummary(summary, r.opts.Location)); err != nil {
			r.log.Warn("run summary post failed", zap.String("run_id", summary.RunID), zap.Error(err))
		}
	}
	return summary, runErr
}

// Start runs on the given 5-field cron schedule until ctx is done.
// Examples: "*/15 * * * *" (every 15 minutes), "0 7-19 * * 1-6" (hourly in
// opening hours).
func (r *Runner) Start(ctx context.Context, schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(strings.TrimSpace(schedule))
	if err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", schedule, err)
	}
	r.log.Info("poll scheduled", zap.String("cron", schedule))

	for {
		now := r.opts.Now().In(r.opts.Location)
		next := sched.Next(now)
		wait := next.Sub(now)
		r.log.Info("next poll", zap.Time("at", next), zap.Duration("in", wait.Round(time.Second)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		_, _ = r.RunAndNotify(ctx)
	}
}

// FormatRunSummary returns a human-readable summary for chat.
func FormatRunSummary(s RunSummary, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	if s.Polled == 0 && len(s.Errors) > 0 {
		return fmt.Sprintf("Poll failed since %s:\n%s",
			s.Since.In(loc).Format("Mon Jan 2 15:04"), strings.Join(s.Errors, "\n"))
	}
	if s.Polled == 0 {
		return fmt.Sprintf("No closed tickets since %s.", s.Since.In(loc).Format("Mon Jan 2 15:04"))
	}

	parts := []string{fmt.Sprintf("%d issued", s.Succeeded)}
	if s.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d already issued", s.Skipped))
	}
	if len(s.NeedsReview) > 0 {
		parts = append(parts, fmt.Sprintf("%d need review", len(s.NeedsReview)))
	}
	if len(s.Failed) > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", len(s.Failed)))
	}
	msg := fmt.Sprintf("Processed %d closed tickets: %s", s.Polled, strings.Join(parts, ", "))

	writeNotes := func(heading string, notes []TicketNote) {
		if len(notes) == 0 {
			return
		}
		msg += "\n" + heading + ":"
		for _, n := range notes {
			label := n.TicketID
			if n.TicketNumber != "" {
				label = n.TicketNumber + " (" + n.TicketID + ")"
			}
			msg += fmt.Sprintf("\n• %s: %s", label, n.Reason)
		}
	}
	writeNotes("Needs review", s.NeedsReview)
	writeNotes("Failed", s.Failed)
	if len(s.Errors) > 0 {
		msg += "\nErrors:\n" + strings.Join(s.Errors, "\n")
	}
	return msg
}
