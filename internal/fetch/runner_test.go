package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"servicecert/internal/processing"
)

var runStart = time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC)

type fakePoller struct {
	ids   []string
	err   error
	since []time.Time
}

func (f *fakePoller) ClosedTicketIDs(_ context.Context, since time.Time, _ bool) ([]string, error) {
	f.since = append(f.since, since)
	return f.ids, f.err
}

type fakeProcessor struct {
	outcomes map[string]processing.Outcome
	errs     map[string]error
	delay    time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeProcessor) Process(_ context.Context, id string) (processing.Outcome, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	out, ok := f.outcomes[id]
	if !ok {
		out = processing.Outcome{Kind: processing.OutcomeSuccess}
	}
	out.TicketID = id
	return out, f.errs[id]
}

type memCheckpoints struct {
	mu    sync.Mutex
	saved map[string]time.Time
}

func (m *memCheckpoints) Checkpoint(_ context.Context, name string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.saved[name]
	return t, ok, nil
}

func (m *memCheckpoints) SetCheckpoint(_ context.Context, name string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]time.Time{}
	}
	m.saved[name] = t
	return nil
}

type fakeNotifier struct {
	titles, bodies []string
	err            error
}

func (f *fakeNotifier) Notify(_ context.Context, title, body string) error {
	f.titles = append(f.titles, title)
	f.bodies = append(f.bodies, body)
	return f.err
}

func newTestRunner(p Poller, proc Processor, cps Checkpoints, n Notifier, concurrency int) *Runner {
	return NewRunner(p, proc, cps, n, Options{
		Concurrency: concurrency,
		Now:         func() time.Time { return runStart },
	})
}

func TestRunOnceFirstRunUsesLookbackAndAdvancesCheckpoint(t *testing.T) {
	poller := &fakePoller{ids: []string{"1", "2"}}
	cps := &memCheckpoints{}
	r := newTestRunner(poller, &fakeProcessor{}, cps, nil, 1)

	summary, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !poller.since[0].Equal(runStart.Add(-DefaultLookback)) {
		t.Fatalf("since = %s, want lookback", poller.since[0])
	}
	if summary.Polled != 2 || summary.Succeeded != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.RunID == "" {
		t.Fatal("expected run id")
	}
	if got := cps.saved[DefaultCheckpointName]; !got.Equal(runStart) {
		t.Fatalf("checkpoint = %s, want %s", got, runStart)
	}

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}
	if !poller.since[1].Equal(runStart) {
		t.Fatalf("second run since = %s, want checkpoint", poller.since[1])
	}
}

func TestRunOnceTalliesOutcomesAndHoldsCheckpointOnFailure(t *testing.T) {
	poller := &fakePoller{ids: []string{"1", "2", "3", "4", "5"}}
	proc := &fakeProcessor{
		outcomes: map[string]processing.Outcome{
			"2": {Kind: processing.OutcomeSkipped},
			"3": {Kind: processing.OutcomeNeedsReview, TicketNumber: "J-3", Reason: "MISSING_VEHICLE: ticket has no vehicle"},
			"4": {Kind: processing.OutcomeFailed, Reason: "uploading certificate: disk full"},
		},
		errs: map[string]error{
			"4": errors.New("uploading certificate: disk full"),
			"5": errors.New("workshop server error"),
		},
	}
	cps := &memCheckpoints{}
	r := newTestRunner(poller, proc, cps, nil, 2)

	summary, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Succeeded != 1 || summary.Skipped != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if len(summary.NeedsReview) != 1 || summary.NeedsReview[0].TicketNumber != "J-3" {
		t.Fatalf("unexpected needs_review: %+v", summary.NeedsReview)
	}
	if len(summary.Failed) != 1 || summary.Failed[0].TicketID != "4" {
		t.Fatalf("unexpected failed: %+v", summary.Failed)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("unexpected errors: %v", summary.Errors)
	}
	if _, ok := cps.saved[DefaultCheckpointName]; ok {
		t.Fatal("checkpoint must not advance when tickets failed")
	}
}

func TestRunOncePollErrorKeepsCheckpoint(t *testing.T) {
	poller := &fakePoller{err: errors.New("events feed down")}
	cps := &memCheckpoints{}
	r := newTestRunner(poller, &fakeProcessor{}, cps, nil, 1)

	summary, err := r.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected poll error")
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("expected poll error in summary, got %v", summary.Errors)
	}
	if len(cps.saved) != 0 {
		t.Fatal("checkpoint must not be written")
	}
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	proc := &fakeProcessor{delay: 20 * time.Millisecond}
	r := newTestRunner(&fakePoller{ids: ids}, proc, &memCheckpoints{}, nil, 3)

	summary, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if summary.Succeeded != len(ids) {
		t.Fatalf("succeeded = %d, want %d", summary.Succeeded, len(ids))
	}
	if peak := proc.peak.Load(); peak > 3 || peak < 2 {
		t.Fatalf("peak concurrency = %d, want 2..3", peak)
	}
}

func TestRunAndNotifyPostsSummary(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("slack down")}
	r := newTestRunner(&fakePoller{ids: []string{"1"}}, &fakeProcessor{}, &memCheckpoints{}, notifier, 1)

	if _, err := r.RunAndNotify(context.Background()); err != nil {
		t.Fatalf("notify failures must not fail the run: %v", err)
	}
	if len(notifier.bodies) != 1 {
		t.Fatalf("expected one post, got %d", len(notifier.bodies))
	}
	if notifier.titles[0] != summaryTitle {
		t.Fatalf("unexpected title %q", notifier.titles[0])
	}
	if want := "Processed 1 closed tickets: 1 issued"; notifier.bodies[0] != want {
		t.Fatalf("got %q, want %q", notifier.bodies[0], want)
	}
}

func TestStartRejectsBadScheduleAndStopsOnCancel(t *testing.T) {
	r := newTestRunner(&fakePoller{}, &fakeProcessor{}, &memCheckpoints{}, nil, 1)
	if err := r.Start(context.Background(), "every tuesday"); err == nil {
		t.Fatal("expected schedule parse error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx, "0 9 * * *") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not stop on cancelled context")
	}
}

func TestFormatRunSummary(t *testing.T) {
	since := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	got := FormatRunSummary(RunSummary{Since: since}, time.UTC)
	if want := "No closed tickets since Fri Mar 14 09:30."; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got = FormatRunSummary(RunSummary{Since: since, Errors: []string{"poll: feed down"}}, nil)
	if want := "Poll failed since Fri Mar 14 09:30:\npoll: feed down"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got = FormatRunSummary(RunSummary{
		Since:       since,
		Polled:      4,
		Succeeded:   1,
		Skipped:     1,
		NeedsReview: []TicketNote{{TicketID: "3", TicketNumber: "J-3", Reason: "MISSING_VEHICLE"}},
		Failed:      []TicketNote{{TicketID: "4", Reason: "uploading certificate: disk full"}},
	}, time.UTC)
	want := "Processed 4 closed tickets: 1 issued, 1 already issued, 1 need review, 1 failed" +
		"\nNeeds review:\n• J-3 (3): MISSING_VEHICLE" +
		"\nFailed:\n• 4: uploading certificate: disk full"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
