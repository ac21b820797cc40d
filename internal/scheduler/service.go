package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"autocheckin/internal/checkin"
	"autocheckin/internal/domain"
	"autocheckin/internal/history"
)

const dateLayout = "2006-01-02"

// ConfigSource is the slice of the config store the scheduler needs.
type ConfigSource interface {
	Get() domain.AppConfig
	RecordFired(id, date string) error
}

// Executor runs one task to a definitive outcome.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) checkin.Result
}

// Notifier reports outcomes; failures here never affect the recorded result.
type Notifier interface {
	Send(ctx context.Context, settings domain.NotificationSettings, title, content string) error
}

// Service is the timing engine. One ticker loop evaluates which enabled
// tasks are due and dispatches each at most once per local calendar day.
// A task is due when its time-of-day has already passed and it has not
// fired today, so a process that slept through 08:00 still fires at 08:20.
type Service struct {
	cfg      ConfigSource
	exec     Executor
	notifier Notifier
	hist     history.Repository
	interval time.Duration
	stop     chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}

	reportExpr string
	reportNext time.Time
}

func NewService(cfg ConfigSource, exec Executor, notifier Notifier, hist history.Repository, tickInterval time.Duration) *Service {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	return &Service{
		cfg:      cfg,
		exec:     exec,
		notifier: notifier,
		hist:     hist,
		interval: tickInterval,
		stop:     make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Tick evaluates all tasks against the given wall-clock instant. Execution
// runs off this goroutine; a hung network call never delays the next tick.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	cfg := s.cfg.Get()
	today := now.Format(dateLayout)

	for _, task := range cfg.Tasks {
		if !s.due(task, now, today) {
			continue
		}
		if !s.claim(task.ID) {
			continue // previous dispatch still running
		}
		go s.dispatch(ctx, task, cfg.Global.Notification, today)
	}

	s.maybeSendReport(ctx, cfg.Global.Notification, now)
}

func (s *Service) due(task domain.Task, now time.Time, today string) bool {
	if !task.Enabled || task.LastFiredDate == today {
		return false
	}
	h, m, err := parseTimeOfDay(task.Time)
	if err != nil {
		log.Warn().Str("task", task.Name).Str("time", task.Time).Msg("unparseable task time, skipping")
		return false
	}
	return now.Hour() > h || (now.Hour() == h && now.Minute() >= m)
}

func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// dispatch runs one task to completion, records the fired date only once the
// outcome is definitive, logs the attempt, and reports it. Every terminal
// outcome is surfaced somewhere: notification when enabled, log always.
func (s *Service) dispatch(ctx context.Context, task domain.Task, settings domain.NotificationSettings, today string) {
	defer s.release(task.ID)

	log.Info().Str("task", task.Name).Msg("task due, executing")
	res := s.exec.Execute(ctx, task)

	// A transient result under a cancelled context means the run was cut
	// short by shutdown, not exhausted retries. Leave the date unstamped so
	// the task is still due after a restart.
	if res.Outcome == domain.OutcomeTransient && ctx.Err() != nil {
		log.Warn().Str("task", task.Name).Msg("execution interrupted by shutdown, will retry on restart")
		return
	}

	if err := s.cfg.RecordFired(task.ID, today); err != nil {
		log.Error().Err(err).Str("task", task.Name).Msg("failed to record fired date")
	}

	logEvent := log.Info()
	if res.Outcome != domain.OutcomeSuccess {
		logEvent = log.Warn()
	}
	logEvent.
		Str("task", task.Name).
		Str("outcome", string(res.Outcome)).
		Str("message", res.Message).
		Msg("task finished")

	if s.hist != nil {
		err := s.hist.Record(ctx, domain.Attempt{
			TaskID:   task.ID,
			TaskName: task.Name,
			Outcome:  res.Outcome,
			Message:  res.Message,
			Lat:      res.Lat,
			Lng:      res.Lng,
			At:       time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to record attempt")
		}
	}

	title := task.Name + " Check-in Result"
	if res.Outcome != domain.OutcomeSuccess {
		title = task.Name + " Check-in Failed"
	}
	body := res.Message
	if res.Lat != "" {
		body = fmt.Sprintf("%s (Loc: %s,%s)", res.Message, res.Lat, res.Lng)
	}
	if err := s.notifier.Send(ctx, settings, title, body); err != nil {
		log.Warn().Err(err).Str("task", task.Name).Msg("notification failed")
	}
}

// maybeSendReport sends the daily outcome digest when the configured cron
// slot has passed, then advances to the next slot.
func (s *Service) maybeSendReport(ctx context.Context, settings domain.NotificationSettings, now time.Time) {
	expr := strings.TrimSpace(settings.DailyReport)
	if expr == "" {
		s.reportExpr = ""
		return
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		log.Warn().Err(err).Str("cron_expr", expr).Msg("invalid daily report expression")
		return
	}
	if expr != s.reportExpr {
		s.reportExpr = expr
		s.reportNext = sched.Next(now)
		return
	}
	if now.Before(s.reportNext) {
		return
	}
	s.reportNext = sched.Next(now)

	if s.hist == nil {
		return
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	counts, err := s.hist.Summary(ctx, midnight)
	if err != nil {
		log.Error().Err(err).Msg("failed to build daily report")
		return
	}
	body := fmt.Sprintf("Today: %d succeeded, %d rejected, %d failed, %d misconfigured",
		counts[domain.OutcomeSuccess], counts[domain.OutcomeRejected],
		counts[domain.OutcomeTransient], counts[domain.OutcomeConfig])
	go func() {
		if err := s.notifier.Send(ctx, settings, "Daily Check-in Report", body); err != nil {
			log.Warn().Err(err).Msg("daily report notification failed")
		}
	}()
}

// ValidateReportExpression checks a daily report cron expression. Empty
// means the report is disabled and is always valid.
func ValidateReportExpression(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := cron.ParseStandard(expr)
	return err
}

// parseTimeOfDay parses "HH:MM".
func parseTimeOfDay(v string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(v), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("out of range: %q", v)
	}
	return h, m, nil
}
