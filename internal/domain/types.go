package domain

// Location is a geographic point reported at check-in time. Coordinates are
// kept as decimal strings so the config round-trips them byte-for-byte.
type Location struct {
	Lat string `json:"lat"`
	Lng string `json:"lng"`
	Acc string `json:"acc"` // accuracy radius in meters
}

// Task is one recurring check-in job.
type Task struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Time          string   `json:"time"` // HH:MM, local time
	ClassID       string   `json:"class_id"`
	Cookie        string   `json:"cookie"`
	Location      Location `json:"location"`
	Enabled       bool     `json:"enabled"`
	LastFiredDate string   `json:"last_fired_date,omitempty"` // YYYY-MM-DD, local
}

// NotificationSettings configures the WeCom messaging integration.
// DailyReport is an optional cron expression for a daily outcome digest.
type NotificationSettings struct {
	Enabled     bool   `json:"enabled"`
	CorpID      string `json:"corp_id"`
	Secret      string `json:"secret"`
	AgentID     string `json:"agent_id"`
	Recipient   string `json:"recipient"`
	DailyReport string `json:"daily_report,omitempty"`
}

type GlobalSettings struct {
	Notification NotificationSettings `json:"notification"`
}

// AppConfig is the persisted configuration document.
type AppConfig struct {
	Global GlobalSettings `json:"global"`
	Tasks  []Task         `json:"tasks"`
}

func DefaultConfig() AppConfig {
	return AppConfig{
		Global: GlobalSettings{
			Notification: NotificationSettings{Recipient: "@all"},
		},
	}
}

// Outcome classifies the terminal result of one execution attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTransient Outcome = "transient_failure"
	OutcomeConfig    Outcome = "config_error"
)

// Retryable reports whether the executor should retry this outcome.
func (o Outcome) Retryable() bool { return o == OutcomeTransient }

// Attempt is one recorded execution of a task, kept in the history log.
type Attempt struct {
	ID       int64   `json:"id"`
	TaskID   string  `json:"task_id"`
	TaskName string  `json:"task_name"`
	Outcome  Outcome `json:"outcome"`
	Message  string  `json:"message"`
	Lat      string  `json:"lat"`
	Lng      string  `json:"lng"`
	At       string  `json:"at"` // RFC3339
}
