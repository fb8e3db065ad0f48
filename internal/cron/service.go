// Package cron schedules the maintenance jobs and remembers their last run
// in a JSON file.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Handler runs one job and returns a short result for the log.
type Handler func(ctx context.Context) (string, error)

type Service struct {
	storePath string
	logger    *zap.Logger
	mu        sync.Mutex
	jobs      []CronJob
	handlers  map[string]Handler
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
}

func NewService(storePath string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		storePath: storePath,
		logger:    logger.Named("cron"),
		handlers:  make(map[string]Handler),
		entryMap:  make(map[string]rcron.EntryID),
	}
	if err := s.load(); err != nil {
		s.logger.Warn("failed to load jobs", zap.String("path", storePath), zap.Error(err))
	}
	return s
}

// Handle registers the handler for task.
func (s *Service) Handle(task string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[task] = h
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithSeconds())
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			if err := s.registerJob(&s.jobs[i]); err != nil {
				s.logger.Warn("failed to register job", zap.String("job", s.jobs[i].Name), zap.Error(err))
			}
		}
	}
	n := len(s.jobs)
	c := s.cron
	s.mu.Unlock()

	c.Start()
	s.logger.Info("started", zap.Int("jobs", n))

	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *CronJob) error {
	jobCopy := *job
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		s.executeJob(jobCopy)
	})
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", job.Name, job.Schedule.Expr, err)
	}
	s.entryMap[job.ID] = id
	return nil
}

func (s *Service) executeJob(job CronJob) {
	s.mu.Lock()
	h := s.handlers[job.Task]
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		result string
		err    error
	)
	if h == nil {
		err = fmt.Errorf("no handler for task %q", job.Task)
	} else {
		result, err = h(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = time.Now().UnixMilli()
		st.Runs++
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			s.logger.Warn("job failed", zap.String("job", job.Name), zap.Error(err))
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
			s.logger.Debug("job done", zap.String("job", job.Name), zap.String("result", truncate(result, 100)))
		}
		break
	}
	if err := s.save(); err != nil {
		s.logger.Warn("failed to save jobs", zap.Error(err))
	}
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now().UnixMilli()
			var due []CronJob
			s.mu.Lock()
			for i := range s.jobs {
				job := s.jobs[i]
				if job.Enabled && job.Schedule.Kind == KindEvery && job.Schedule.EveryMs > 0 &&
					now >= job.State.LastRunAtMs+job.Schedule.EveryMs {
					due = append(due, job)
				}
			}
			s.mu.Unlock()
			for _, job := range due {
				s.executeJob(job)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

// EnsureJob adds a job named name unless one exists, in which case its
// schedule and task are brought up to date. Run state is kept.
func (s *Service) EnsureJob(name string, schedule Schedule, task string) (*CronJob, error) {
	switch schedule.Kind {
	case KindCron:
		if _, err := cronParser.Parse(schedule.Expr); err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", schedule.Expr, err)
		}
	case KindEvery:
		if schedule.EveryMs <= 0 {
			return nil, fmt.Errorf("interval schedule needs everyMs > 0")
		}
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(name)
	if idx < 0 {
		s.jobs = append(s.jobs, NewCronJob(name, schedule, task))
		idx = len(s.jobs) - 1
	} else {
		if entryID, ok := s.entryMap[s.jobs[idx].ID]; ok && s.cron != nil {
			s.cron.Remove(entryID)
			delete(s.entryMap, s.jobs[idx].ID)
		}
		s.jobs[idx].Schedule = schedule
		s.jobs[idx].Task = task
	}

	job := &s.jobs[idx]
	if job.Enabled && job.Schedule.Kind == KindCron && s.cron != nil {
		if err := s.registerJob(job); err != nil {
			return nil, err
		}
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	out := *job
	return &out, nil
}

// indexLocked finds a job by id or name. s.mu must be held.
func (s *Service) indexLocked(ref string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == ref || s.jobs[i].Name == ref {
			return i
		}
	}
	return -1
}

// RemoveJob deletes the job with the given id or name.
func (s *Service) RemoveJob(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(ref)
	if i < 0 {
		return false
	}
	id := s.jobs[i].ID
	if entryID, ok := s.entryMap[id]; ok && s.cron != nil {
		s.cron.Remove(entryID)
		delete(s.entryMap, id)
	}
	s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	if err := s.save(); err != nil {
		s.logger.Warn("failed to save jobs", zap.Error(err))
	}
	return true
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// EnableJob turns the job with the given id or name on or off.
func (s *Service) EnableJob(ref string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(ref)
	if i < 0 {
		return nil, fmt.Errorf("job %s not found", ref)
	}
	id := s.jobs[i].ID
	s.jobs[i].Enabled = enabled
	if s.jobs[i].Schedule.Kind == KindCron && s.cron != nil {
		if enabled {
			if _, ok := s.entryMap[id]; !ok {
				if err := s.registerJob(&s.jobs[i]); err != nil {
					return nil, err
				}
			}
		} else if entryID, ok := s.entryMap[id]; ok {
			s.cron.Remove(entryID)
			delete(s.entryMap, id)
		}
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	job := s.jobs[i]
	return &job, nil
}

// RunJob executes the job with the given id or name now, outside its
// schedule, and returns the job with its updated state.
func (s *Service) RunJob(ref string) (CronJob, error) {
	s.mu.Lock()
	i := s.indexLocked(ref)
	if i < 0 {
		s.mu.Unlock()
		return CronJob{}, fmt.Errorf("job %s not found", ref)
	}
	job := s.jobs[i]
	s.mu.Unlock()

	s.executeJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(job.ID); i >= 0 {
		job = s.jobs[i]
	}
	return job, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.jobs)
}

func (s *Service) save() error {
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
