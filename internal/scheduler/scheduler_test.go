package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/repository"
)

type recordingProducer struct {
	mu       sync.Mutex
	messages []domain.TaskMessage
}

func (p *recordingProducer) Enqueue(_ context.Context, message domain.TaskMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	return nil
}

type recordingPurger struct {
	retentions []time.Duration
}

func (p *recordingPurger) Purge(_ context.Context, retention time.Duration) (int64, error) {
	p.retentions = append(p.retentions, retention)
	return 3, nil
}

func scheduledWorkflow(t *testing.T, store *repository.MemoryStore, name, spec string) *domain.Workflow {
	t.Helper()
	workflow := &domain.Workflow{
		Name:          name,
		TriggerType:   domain.TriggerScheduled,
		TriggerConfig: map[string]any{"cron": spec},
		IsActive:      true,
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), workflow))
	return workflow
}

func TestValidateSpec(t *testing.T) {
	require.NoError(t, ValidateSpec("*/5 * * * *"))
	require.NoError(t, ValidateSpec("@daily"))
	require.ErrorIs(t, ValidateSpec(""), domain.ErrValidation)
	require.ErrorIs(t, ValidateSpec("61 * * * *"), domain.ErrValidation)
	require.ErrorIs(t, ValidateSpec("every tuesday"), domain.ErrValidation)
}

func TestRefreshRegistersOnlyValidActiveSchedules(t *testing.T) {
	store := repository.NewMemoryStore()
	valid := scheduledWorkflow(t, store, "nightly", "0 2 * * *")
	scheduledWorkflow(t, store, "broken", "not a cron")
	manual := &domain.Workflow{Name: "manual", TriggerType: domain.TriggerManual, IsActive: true}
	require.NoError(t, store.CreateWorkflow(context.Background(), manual))

	s := New(store, &recordingProducer{}, nil, Config{}, nil)
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, map[int64]string{valid.ID: "0 2 * * *"}, s.Registered())
	assert.Len(t, s.cron.Entries(), 1)

	valid.TriggerConfig = map[string]any{"cron": "30 3 * * *"}
	require.NoError(t, store.UpdateWorkflow(context.Background(), valid))
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, map[int64]string{valid.ID: "30 3 * * *"}, s.Registered())
	assert.Len(t, s.cron.Entries(), 1)

	valid.IsActive = false
	require.NoError(t, store.UpdateWorkflow(context.Background(), valid))
	require.NoError(t, s.Refresh(context.Background()))
	assert.Empty(t, s.Registered())
	assert.Empty(t, s.cron.Entries())
}

func TestFireEnqueuesWorkflowTask(t *testing.T) {
	producer := &recordingProducer{}
	s := New(repository.NewMemoryStore(), producer, nil, Config{}, nil)

	s.fire(context.Background(), 42)
	require.Len(t, producer.messages, 1)
	assert.Equal(t, domain.TaskWorkflow, producer.messages[0].Task)
	assert.Equal(t, int64(42), producer.messages[0].WorkflowID)
	assert.False(t, producer.messages[0].RequestedAt.IsZero())
}

func TestMaintenanceUsesRetention(t *testing.T) {
	purger := &recordingPurger{}
	s := New(repository.NewMemoryStore(), &recordingProducer{}, purger, Config{JobRetention: 48 * time.Hour}, nil)

	s.runMaintenance(context.Background())
	assert.Equal(t, []time.Duration{48 * time.Hour}, purger.retentions)
}

func TestStartRejectsInvalidMaintenanceSpec(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(repository.NewMemoryStore(), &recordingProducer{}, &recordingPurger{}, Config{MaintenanceSpec: "whenever"}, nil)
	require.Error(t, s.Start(ctx))
}
