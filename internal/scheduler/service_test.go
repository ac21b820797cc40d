package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autocheckin/internal/checkin"
	"autocheckin/internal/domain"
)

type fakeConfig struct {
	mu  sync.Mutex
	cfg domain.AppConfig
}

func (f *fakeConfig) Get() domain.AppConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.cfg
	out.Tasks = append([]domain.Task(nil), f.cfg.Tasks...)
	return out
}

func (f *fakeConfig) RecordFired(id, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.cfg.Tasks {
		if f.cfg.Tasks[i].ID == id {
			f.cfg.Tasks[i].LastFiredDate = date
		}
	}
	return nil
}

func (f *fakeConfig) setEnabled(id string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.cfg.Tasks {
		if f.cfg.Tasks[i].ID == id {
			f.cfg.Tasks[i].Enabled = enabled
		}
	}
}

func (f *fakeConfig) lastFired(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.cfg.Tasks {
		if t.ID == id {
			return t.LastFiredDate
		}
	}
	return ""
}

type fakeExecutor struct {
	calls   atomic.Int32
	outcome domain.Outcome
	block   chan struct{} // when non-nil, Execute waits on it
}

func (f *fakeExecutor) Execute(ctx context.Context, task domain.Task) checkin.Result {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return checkin.Result{Outcome: f.outcome, Message: "test", Lat: "1.0", Lng: "2.0"}
}

type fakeNotifier struct {
	sent chan string
}

func (f *fakeNotifier) Send(ctx context.Context, settings domain.NotificationSettings, title, content string) error {
	f.sent <- title
	return nil
}

func newTestService(outcome domain.Outcome, tasks ...domain.Task) (*Service, *fakeConfig, *fakeExecutor, *fakeNotifier) {
	cfg := &fakeConfig{cfg: domain.AppConfig{Tasks: tasks}}
	exec := &fakeExecutor{outcome: outcome}
	notifier := &fakeNotifier{sent: make(chan string, 16)}
	svc := NewService(cfg, exec, notifier, nil, time.Second)
	return svc, cfg, exec, notifier
}

func at(t *testing.T, day string, clock string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", day+" "+clock, time.Local)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func waitSent(t *testing.T, n *fakeNotifier) string {
	t.Helper()
	select {
	case title := <-n.sent:
		return title
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch to finish")
		return ""
	}
}

func assertNoDispatch(t *testing.T, exec *fakeExecutor, want int32) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	if got := exec.calls.Load(); got != want {
		t.Fatalf("executor called %d times, want %d", got, want)
	}
}

func TestFiresOncePerDay(t *testing.T) {
	task := domain.Task{ID: "t1", Name: "morning", Time: "08:00", Enabled: true}
	svc, cfg, exec, notifier := newTestService(domain.OutcomeSuccess, task)
	ctx := context.Background()

	// Before the scheduled time: not due.
	svc.Tick(ctx, at(t, "2026-08-30", "07:59"))
	assertNoDispatch(t, exec, 0)

	// Past the scheduled time: fires once, records today.
	svc.Tick(ctx, at(t, "2026-08-30", "08:01"))
	waitSent(t, notifier)
	if got := cfg.lastFired("t1"); got != "2026-08-30" {
		t.Fatalf("lastFired = %q, want 2026-08-30", got)
	}

	// Later the same day: already fired, no-op.
	svc.Tick(ctx, at(t, "2026-08-30", "08:05"))
	svc.Tick(ctx, at(t, "2026-08-30", "23:59"))
	assertNoDispatch(t, exec, 1)

	// Next calendar day: due again.
	svc.Tick(ctx, at(t, "2026-08-31", "08:01"))
	waitSent(t, notifier)
	if got := exec.calls.Load(); got != 2 {
		t.Fatalf("executor called %d times across two days, want 2", got)
	}
}

func TestLateStartStillFires(t *testing.T) {
	// A process waking at 08:20 must still fire an 08:00 task.
	task := domain.Task{ID: "t1", Name: "morning", Time: "08:00", Enabled: true}
	svc, cfg, _, notifier := newTestService(domain.OutcomeSuccess, task)

	svc.Tick(context.Background(), at(t, "2026-08-30", "08:20"))
	waitSent(t, notifier)
	if got := cfg.lastFired("t1"); got != "2026-08-30" {
		t.Fatalf("lastFired = %q, want 2026-08-30", got)
	}
}

func TestDisabledTaskNeverFires(t *testing.T) {
	task := domain.Task{ID: "t1", Name: "morning", Time: "08:00", Enabled: false}
	svc, cfg, exec, _ := newTestService(domain.OutcomeSuccess, task)

	svc.Tick(context.Background(), at(t, "2026-08-30", "09:00"))
	assertNoDispatch(t, exec, 0)

	// Re-enabling after a fire earlier today does not re-fire until tomorrow.
	cfg.setEnabled("t1", true)
	_ = cfg.RecordFired("t1", "2026-08-30")
	svc.Tick(context.Background(), at(t, "2026-08-30", "10:00"))
	assertNoDispatch(t, exec, 0)
}

func TestExhaustedRetriesStillMarkFired(t *testing.T) {
	// The executor reports a final transient failure after its own retries;
	// the scheduler must not try again today.
	task := domain.Task{ID: "t1", Name: "morning", Time: "08:00", Enabled: true}
	svc, cfg, exec, notifier := newTestService(domain.OutcomeTransient, task)
	ctx := context.Background()

	svc.Tick(ctx, at(t, "2026-08-30", "08:01"))
	title := waitSent(t, notifier)
	if title != "morning Check-in Failed" {
		t.Fatalf("notification title = %q, want failure title", title)
	}
	if got := cfg.lastFired("t1"); got != "2026-08-30" {
		t.Fatalf("lastFired = %q, want 2026-08-30 after exhausted retries", got)
	}

	svc.Tick(ctx, at(t, "2026-08-30", "08:05"))
	assertNoDispatch(t, exec, 1)
}

func TestShutdownMidExecutionDoesNotMarkFired(t *testing.T) {
	// A transient result produced because the context was cancelled is not
	// definitive; the task must still be due after a restart.
	task := domain.Task{ID: "t1", Name: "morning", Time: "08:00", Enabled: true}
	svc, cfg, exec, notifier := newTestService(domain.OutcomeTransient, task)
	exec.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	svc.Tick(ctx, at(t, "2026-08-30", "08:01"))
	deadline := time.Now().Add(2 * time.Second)
	for exec.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("executor never invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	close(exec.block)
	time.Sleep(100 * time.Millisecond)

	if got := cfg.lastFired("t1"); got != "" {
		t.Fatalf("lastFired = %q after interrupted run, want unset", got)
	}
	select {
	case title := <-notifier.sent:
		t.Fatalf("unexpected notification %q for interrupted run", title)
	default:
	}
}

func TestInFlightTaskNotDoubleDispatched(t *testing.T) {
	task := domain.Task{ID: "t1", Name: "slow", Time: "08:00", Enabled: true}
	svc, _, exec, notifier := newTestService(domain.OutcomeSuccess, task)
	exec.block = make(chan struct{})
	ctx := context.Background()

	svc.Tick(ctx, at(t, "2026-08-30", "08:01"))
	// Second tick while the first execution is still running.
	svc.Tick(ctx, at(t, "2026-08-30", "08:02"))
	assertNoDispatch(t, exec, 1)

	close(exec.block)
	waitSent(t, notifier)
}

func TestMultipleDueTasksAllFire(t *testing.T) {
	tasks := []domain.Task{
		{ID: "t1", Name: "a", Time: "07:00", Enabled: true},
		{ID: "t2", Name: "b", Time: "08:00", Enabled: true},
		{ID: "t3", Name: "c", Time: "20:00", Enabled: true}, // not yet due
	}
	svc, cfg, exec, notifier := newTestService(domain.OutcomeSuccess, tasks...)

	svc.Tick(context.Background(), at(t, "2026-08-30", "09:00"))
	waitSent(t, notifier)
	waitSent(t, notifier)
	if got := exec.calls.Load(); got != 2 {
		t.Fatalf("executor called %d times, want 2", got)
	}
	if cfg.lastFired("t3") != "" {
		t.Fatal("future task fired early")
	}
}

func TestDueTimeParsing(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantH   int
		wantM   int
		wantErr bool
	}{
		{name: "morning", in: "08:00", wantH: 8, wantM: 0},
		{name: "padded", in: " 23:59 ", wantH: 23, wantM: 59},
		{name: "no_colon", in: "0800", wantErr: true},
		{name: "hour_range", in: "24:00", wantErr: true},
		{name: "garbage", in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, m, err := parseTimeOfDay(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseTimeOfDay(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if err == nil && (h != tc.wantH || m != tc.wantM) {
				t.Fatalf("parseTimeOfDay(%q) = %d:%d, want %d:%d", tc.in, h, m, tc.wantH, tc.wantM)
			}
		})
	}
}
