package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/queue"
	"github.com/iago/docflow/internal/repository"
	"github.com/iago/docflow/internal/scheduler"
)

// ErrWebhookSecret is returned when a webhook call carries the wrong secret.
var ErrWebhookSecret = errors.New("invalid webhook secret")

type WorkflowsService struct {
	repo     repository.WorkflowsRepository
	producer queue.Producer
	orgID    int64
	logger   *zap.SugaredLogger
}

func NewWorkflowsService(
	repo repository.WorkflowsRepository,
	producer queue.Producer,
	organizationID int64,
	logger *zap.SugaredLogger,
) *WorkflowsService {
	if organizationID <= 0 {
		organizationID = 1
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WorkflowsService{repo: repo, producer: producer, orgID: organizationID, logger: logger}
}

// Create validates and stores a new workflow. New workflows start active.
func (s *WorkflowsService) Create(ctx context.Context, workflow *domain.Workflow) (*domain.Workflow, error) {
	if workflow == nil {
		return nil, domain.Validationf("workflow body is required")
	}
	workflow.Name = strings.TrimSpace(workflow.Name)
	if workflow.TriggerType == "" {
		workflow.TriggerType = domain.TriggerManual
	}
	if err := workflow.Validate(); err != nil {
		return nil, err
	}
	if err := validateTrigger(workflow); err != nil {
		return nil, err
	}
	workflow.ID = 0
	workflow.IsActive = true
	workflow.TotalRuns, workflow.SuccessfulRuns, workflow.FailedRuns = 0, 0, 0
	if workflow.OrganizationID <= 0 {
		workflow.OrganizationID = s.orgID
	}
	if err := s.repo.CreateWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	s.logger.Infow("workflow created", "workflow_id", workflow.ID, "name", workflow.Name, "steps", len(workflow.Steps))
	return workflow, nil
}

func validateTrigger(workflow *domain.Workflow) error {
	if workflow.TriggerType != domain.TriggerScheduled {
		return nil
	}
	if workflow.CronSpec() == "" {
		return domain.Validationf("scheduled workflows need trigger_config.cron")
	}
	return scheduler.ValidateSpec(workflow.CronSpec())
}

func (s *WorkflowsService) Get(ctx context.Context, id int64) (*domain.Workflow, error) {
	workflow, err := s.repo.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundf("workflow %d not found", id)
		}
		return nil, err
	}
	return workflow, nil
}

// List returns active workflows only.
func (s *WorkflowsService) List(ctx context.Context) ([]*domain.Workflow, error) {
	workflows, err := s.repo.ListWorkflows(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	if workflows == nil {
		workflows = []*domain.Workflow{}
	}
	return workflows, nil
}

// WorkflowPatch holds the fields of a partial update. Nil fields are kept.
type WorkflowPatch struct {
	Name          *string             `json:"name"`
	Description   *string             `json:"description"`
	TriggerType   *domain.TriggerType `json:"trigger_type"`
	TriggerConfig *map[string]any     `json:"trigger_config"`
	Steps         *[]domain.Step      `json:"steps"`
	IsActive      *bool               `json:"is_active"`
}

func (s *WorkflowsService) Update(ctx context.Context, id int64, patch WorkflowPatch) (*domain.Workflow, error) {
	workflow, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		workflow.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		workflow.Description = *patch.Description
	}
	if patch.TriggerType != nil {
		workflow.TriggerType = *patch.TriggerType
	}
	if patch.TriggerConfig != nil {
		workflow.TriggerConfig = *patch.TriggerConfig
	}
	if patch.Steps != nil {
		workflow.Steps = *patch.Steps
	}
	if patch.IsActive != nil {
		workflow.IsActive = *patch.IsActive
	}
	if err := workflow.Validate(); err != nil {
		return nil, err
	}
	if err := validateTrigger(workflow); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("update workflow %d: %w", id, err)
	}
	return workflow, nil
}

// Delete deactivates a workflow. The record and its counters are kept.
func (s *WorkflowsService) Delete(ctx context.Context, id int64) error {
	inactive := false
	_, err := s.Update(ctx, id, WorkflowPatch{IsActive: &inactive})
	return err
}

// Execute schedules a full run of the workflow.
func (s *WorkflowsService) Execute(ctx context.Context, id int64) error {
	workflow, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, domain.TaskMessage{Task: domain.TaskWorkflow, WorkflowID: workflow.ID})
}

// ExecuteStep schedules a single step of the workflow.
func (s *WorkflowsService) ExecuteStep(ctx context.Context, id int64, stepID string) error {
	workflow, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := workflow.FindStep(stepID); !ok {
		return domain.NotFoundf("step %q not found in workflow %d", stepID, id)
	}
	return s.enqueue(ctx, domain.TaskMessage{Task: domain.TaskWorkflowStep, WorkflowID: workflow.ID, StepID: stepID})
}

// TriggerWebhook runs a webhook workflow when the caller's secret matches the
// configured one. Workflows without a configured secret accept any caller.
func (s *WorkflowsService) TriggerWebhook(ctx context.Context, id int64, secret string) error {
	workflow, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if workflow.TriggerType != domain.TriggerWebhook {
		return domain.Validationf("workflow %d is not webhook triggered", id)
	}
	if !workflow.IsActive {
		return domain.Validationf("workflow %d is not active", id)
	}
	if expected := workflow.WebhookSecret(); expected != "" {
		if subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) != 1 {
			return ErrWebhookSecret
		}
	}
	return s.enqueue(ctx, domain.TaskMessage{Task: domain.TaskWorkflow, WorkflowID: workflow.ID})
}

func (s *WorkflowsService) enqueue(ctx context.Context, message domain.TaskMessage) error {
	message.RequestedAt = time.Now().UTC()
	if err := s.producer.Enqueue(ctx, message); err != nil {
		return fmt.Errorf("enqueue %s task: %w", message.Task, err)
	}
	s.logger.Infow("workflow task enqueued", "task", message.Task, "workflow_id", message.WorkflowID, "step_id", message.StepID)
	return nil
}

// SeedFromFile creates the workflows of a YAML file whose names are not
// stored yet. It returns how many were created.
func (s *WorkflowsService) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read workflows file: %w", err)
	}
	workflows, err := DecodeWorkflowsYAML(data)
	if err != nil {
		return 0, err
	}

	existing, err := s.repo.ListWorkflows(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("list workflows: %w", err)
	}
	names := make(map[string]struct{}, len(existing))
	for _, workflow := range existing {
		names[workflow.Name] = struct{}{}
	}

	created := 0
	for _, workflow := range workflows {
		if _, ok := names[strings.TrimSpace(workflow.Name)]; ok {
			continue
		}
		if _, err := s.Create(ctx, workflow); err != nil {
			return created, fmt.Errorf("seed workflow %q: %w", workflow.Name, err)
		}
		created++
	}
	s.logger.Infow("workflows seeded", "path", path, "created", created, "defined", len(workflows))
	return created, nil
}

// DecodeWorkflowYAML parses one workflow definition.
func DecodeWorkflowYAML(data []byte) (*domain.Workflow, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, domain.Validationf("invalid workflow yaml: %v", err)
	}
	return workflowFromMap(raw)
}

// DecodeWorkflowsYAML parses a seed document of the form
// `workflows: [...]`.
func DecodeWorkflowsYAML(data []byte) ([]*domain.Workflow, error) {
	var document struct {
		Workflows []map[string]any `yaml:"workflows"`
	}
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, domain.Validationf("invalid workflows yaml: %v", err)
	}
	workflows := make([]*domain.Workflow, 0, len(document.Workflows))
	for index, raw := range document.Workflows {
		workflow, err := workflowFromMap(raw)
		if err != nil {
			return nil, fmt.Errorf("workflow %d: %w", index, err)
		}
		workflows = append(workflows, workflow)
	}
	return workflows, nil
}

// workflowFromMap goes through JSON so YAML bodies share the step decoding
// of JSON bodies.
func workflowFromMap(raw map[string]any) (*domain.Workflow, error) {
	if raw == nil {
		return nil, domain.Validationf("workflow definition is empty")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, domain.Validationf("workflow definition: %v", err)
	}
	var workflow domain.Workflow
	if err := json.Unmarshal(encoded, &workflow); err != nil {
		return nil, domain.Validationf("workflow definition: %v", err)
	}
	return &workflow, nil
}
