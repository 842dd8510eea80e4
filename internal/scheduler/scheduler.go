// Package scheduler fires scheduled workflows and periodic maintenance from
// cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/queue"
	"github.com/iago/docflow/internal/repository"
)

const (
	DefaultRefreshInterval = time.Minute
	DefaultMaintenanceSpec = "@hourly"
	DefaultJobRetention    = 30 * 24 * time.Hour
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a usable five-field cron expression
// or descriptor such as @hourly.
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("%w: invalid cron expression %q: %v", domain.ErrValidation, spec, err)
	}
	return nil
}

// Purger deletes old job records.
type Purger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

type Config struct {
	RefreshInterval time.Duration
	MaintenanceSpec string
	JobRetention    time.Duration
}

type registration struct {
	spec    string
	entryID cron.EntryID
}

// Scheduler keeps one cron entry per active scheduled workflow.
type Scheduler struct {
	cron      *cron.Cron
	workflows repository.WorkflowsRepository
	producer  queue.Producer
	purger    Purger
	cfg       Config
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	entries map[int64]registration
}

func New(
	workflows repository.WorkflowsRepository,
	producer queue.Producer,
	purger Purger,
	cfg Config,
	logger *zap.SugaredLogger,
) *Scheduler {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.MaintenanceSpec == "" {
		cfg.MaintenanceSpec = DefaultMaintenanceSpec
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = DefaultJobRetention
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cronLog := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		workflows: workflows,
		producer:  producer,
		purger:    purger,
		cfg:       cfg,
		logger:    logger,
		entries:   make(map[int64]registration),
	}
}

// Start registers the workflows, the refresh entry and the maintenance entry,
// then runs the cron loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warnw("initial workflow schedule refresh failed", "error", err)
	}

	refreshSpec := fmt.Sprintf("@every %s", s.cfg.RefreshInterval)
	if _, err := s.cron.AddFunc(refreshSpec, func() {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warnw("workflow schedule refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register schedule refresh: %w", err)
	}

	if s.purger != nil {
		if _, err := s.cron.AddFunc(s.cfg.MaintenanceSpec, func() { s.runMaintenance(ctx) }); err != nil {
			return fmt.Errorf("register maintenance %q: %w", s.cfg.MaintenanceSpec, err)
		}
	}

	s.cron.Start()
	s.logger.Infow("scheduler started", "refresh", s.cfg.RefreshInterval.String(), "maintenance", s.cfg.MaintenanceSpec)
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		s.logger.Infow("scheduler stopped")
	}()
	return nil
}

// Refresh syncs cron entries with the stored scheduled workflows. Entries of
// removed, deactivated or re-timed workflows are replaced.
func (s *Scheduler) Refresh(ctx context.Context) error {
	workflows, err := s.workflows.ListScheduledWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled workflows: %w", err)
	}

	wanted := make(map[int64]string, len(workflows))
	for _, workflow := range workflows {
		if !workflow.IsActive {
			continue
		}
		spec := workflow.CronSpec()
		if err := ValidateSpec(spec); err != nil {
			s.logger.Warnw("skipping workflow with invalid schedule", "workflow_id", workflow.ID, "cron", spec, "error", err)
			continue
		}
		wanted[workflow.ID] = spec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, current := range s.entries {
		if spec, ok := wanted[id]; !ok || spec != current.spec {
			s.cron.Remove(current.entryID)
			delete(s.entries, id)
		}
	}
	for id, spec := range wanted {
		if _, ok := s.entries[id]; ok {
			continue
		}
		workflowID := id
		entryID, err := s.cron.AddFunc(spec, func() { s.fire(ctx, workflowID) })
		if err != nil {
			s.logger.Warnw("register workflow schedule", "workflow_id", id, "cron", spec, "error", err)
			continue
		}
		s.entries[id] = registration{spec: spec, entryID: entryID}
		s.logger.Infow("workflow scheduled", "workflow_id", id, "cron", spec)
	}
	return nil
}

// Registered returns the cron spec per scheduled workflow id.
func (s *Scheduler) Registered() map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	registered := make(map[int64]string, len(s.entries))
	for id, entry := range s.entries {
		registered[id] = entry.spec
	}
	return registered
}

func (s *Scheduler) fire(ctx context.Context, workflowID int64) {
	message := domain.TaskMessage{Task: domain.TaskWorkflow, WorkflowID: workflowID, RequestedAt: time.Now().UTC()}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		s.logger.Errorw("enqueue scheduled workflow", "workflow_id", workflowID, "error", err)
		return
	}
	s.logger.Infow("scheduled workflow enqueued", "workflow_id", workflowID)
}

func (s *Scheduler) runMaintenance(ctx context.Context) {
	deleted, err := s.purger.Purge(ctx, s.cfg.JobRetention)
	if err != nil {
		s.logger.Errorw("job retention sweep failed", "error", err)
		return
	}
	s.logger.Infow("job retention sweep finished", "deleted", deleted)
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
