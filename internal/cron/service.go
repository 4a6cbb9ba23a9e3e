// Package cron runs named periodic jobs on robfig/cron and keeps their run
// state in a JSON file so other processes can report it.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Func is the body of a job.
type Func func(ctx context.Context) error

type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

// Job is the persisted description of a registered job.
type Job struct {
	Name  string   `json:"name"`
	Spec  string   `json:"spec"`
	State JobState `json:"state"`
}

type entry struct {
	job Job
	fn  Func
	id  rcron.EntryID
}

type Service struct {
	storePath string
	Now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	cron    *rcron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		Now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

// ValidateSpec reports whether spec is a cron expression or descriptor
// such as "@every 5m".
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Register adds a job. Registering after Start schedules it immediately.
func (s *Service) Register(name, spec string, fn Func) error {
	if name == "" || fn == nil {
		return errors.New("job name and func are required")
	}
	if err := ValidateSpec(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	e := &entry{job: Job{Name: name, Spec: spec}, fn: fn}
	s.entries[name] = e
	if s.cron != nil {
		return s.schedule(e)
	}
	return nil
}

func (s *Service) schedule(e *entry) error {
	name := e.job.Name
	id, err := s.cron.AddFunc(e.job.Spec, func() { s.execute(s.runContext(), name) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	e.id = id
	return nil
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Start restores persisted run state and schedules every registered job.
// Overlapping runs of the same job are skipped.
func (s *Service) Start(ctx context.Context) error {
	states, err := LoadStates(s.storePath)
	if err != nil {
		log.Warn().Str("component", "cron").Err(err).Msg("job state not loaded")
	}

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return errors.New("cron already started")
	}
	for _, j := range states {
		if e, ok := s.entries[j.Name]; ok {
			e.job.State = j.State
		}
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	logger := cronLogger{}
	s.cron = rcron.New(
		rcron.WithParser(parser),
		rcron.WithLogger(logger),
		rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
	)
	for _, e := range s.entries {
		if err := s.schedule(e); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	n := len(s.entries)
	runCtx := s.ctx
	s.cron.Start()
	s.mu.Unlock()

	log.Info().Str("component", "cron").Int("jobs", n).Msg("started")
	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// Stop waits up to five seconds for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		log.Warn().Str("component", "cron").Msg("stop timeout waiting for running jobs")
	}
	log.Info().Str("component", "cron").Msg("stopped")
}

// RunNow executes a job synchronously and records its state.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(ctx, name)
}

func (s *Service) execute(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}

	start := s.Now()
	err := e.fn(ctx)

	s.mu.Lock()
	e.job.State.LastRunAt = start.UTC()
	e.job.State.Runs++
	if err != nil {
		e.job.State.LastStatus = StatusError
		e.job.State.LastError = err.Error()
	} else {
		e.job.State.LastStatus = StatusOK
		e.job.State.LastError = ""
	}
	saveErr := s.save()
	s.mu.Unlock()

	lg := log.With().Str("component", "cron").Str("job", name).Dur("took", time.Since(start)).Logger()
	if err != nil {
		lg.Warn().Err(err).Msg("job failed")
	} else {
		lg.Debug().Msg("job done")
	}
	if saveErr != nil {
		lg.Warn().Err(saveErr).Msg("job state not saved")
	}
	return err
}

// Jobs returns the registered jobs sorted by name.
func (s *Service) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Service) snapshot() []Job {
	out := make([]Job, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

// LoadStates reads the job state file. A missing file yields no jobs.
func LoadStates(path string) ([]Job, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parse job state %s: %w", path, err)
	}
	return jobs, nil
}

// cronLogger routes robfig/cron logs to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Str("component", "cron").Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Str("component", "cron").Err(err).Fields(keysAndValues).Msg(msg)
}
