package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

const (
	KindCron  = "cron"
	KindEvery = "every"
)

// Schedule is either a six-field cron expression (seconds first) or a fixed
// interval in milliseconds.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
}

var cronParser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// ParseSchedule reads a configured schedule. A Go duration such as "90s"
// becomes a fixed interval; anything else must be a cron expression.
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if d, err := time.ParseDuration(expr); err == nil {
		if d < time.Second {
			return Schedule{}, fmt.Errorf("interval %s is shorter than one second", d)
		}
		return Schedule{Kind: KindEvery, EveryMs: d.Milliseconds()}, nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Expr: expr}, nil
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs"`
}

// CronJob runs the handler registered for Task on Schedule.
type CronJob struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Enabled   bool     `json:"enabled"`
	Schedule  Schedule `json:"schedule"`
	Task      string   `json:"task"`
	State     JobState `json:"state"`
	CreatedAt int64    `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, task string) CronJob {
	return CronJob{
		ID:        uuid.NewString(),
		Name:      name,
		Enabled:   true,
		Schedule:  schedule,
		Task:      task,
		CreatedAt: time.Now().UnixMilli(),
	}
}
