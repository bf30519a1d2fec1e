// Package projects implements the project-management domain service
// spec.md §4.4 describes: Projects and Tasks stored as memories tagged
// type=project/type=task, parent/child by projectId, dependency edges held
// in the CMI relationship graph, subtask/todo lists held as plain arrays
// inside a Task's metadata. Targets the "work" module by default — spec.md
// §4.4 names no specific module, and project/task tracking is squarely
// work-domain content (see DESIGN.md).
package projects

import (
	"context"
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/apperr"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	registryvector "github.com/4xguy/federated-memory-sub004/internal/registry/vector"
	"github.com/4xguy/federated-memory-sub004/internal/service/cmi"
	"github.com/4xguy/federated-memory-sub004/internal/service/writepipeline"
	"github.com/google/uuid"
)

// DefaultModuleID is the module Projects/Tasks are stored under.
const DefaultModuleID = "work"

// Project is the typed projection of a type=project memory.
type Project struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Task is the typed projection of a type=task memory.
type Task struct {
	ID        uuid.UUID  `json:"id"`
	ProjectID *uuid.UUID `json:"projectId,omitempty"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Todos     []string   `json:"todos,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Service is the project-management domain service.
type Service struct {
	pipeline *writepipeline.Pipeline
	cmi      *cmi.Service
	moduleID string
}

// NewService builds a project-management domain service over moduleID (use
// DefaultModuleID unless the deployment has reassigned project tracking to
// a different module).
func NewService(pipeline *writepipeline.Pipeline, cmiSvc *cmi.Service, moduleID string) *Service {
	if moduleID == "" {
		moduleID = DefaultModuleID
	}
	return &Service{pipeline: pipeline, cmi: cmiSvc, moduleID: moduleID}
}

// CreateProject stores a new Project memory.
func (s *Service) CreateProject(ctx context.Context, tenantID, name, description string) (*Project, error) {
	content := name
	if description != "" {
		content = name + "\n\n" + description
	}
	item, err := s.pipeline.Store(ctx, tenantID, s.moduleID, content, map[string]interface{}{
		"type":        "project",
		"name":        name,
		"description": description,
		"status":      "active",
		"categories":  []string{"project"},
	})
	if err != nil {
		return nil, err
	}
	return projectFromItem(item), nil
}

// GetProject retrieves a Project by id.
func (s *Service) GetProject(ctx context.Context, tenantID string, id uuid.UUID) (*Project, error) {
	item, err := s.pipeline.Get(ctx, tenantID, s.moduleID, id)
	if err != nil {
		return nil, err
	}
	if metaType(item) != "project" {
		return nil, apperr.NewNotFound("project", id.String())
	}
	return projectFromItem(item), nil
}

// ListProjects returns every Project for the tenant.
func (s *Service) ListProjects(ctx context.Context, tenantID string, limit, offset int) ([]Project, error) {
	store := s.cmi.Store(s.moduleID)
	if store == nil {
		return nil, apperr.NewInvalid("moduleId", "unknown module: "+s.moduleID)
	}
	items, err := store.SearchByMetadata(ctx, tenantID, map[string]interface{}{"type": "project"}, limit, offset)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, s.moduleID, "list projects", err)
	}
	out := make([]Project, 0, len(items))
	for i := range items {
		out = append(out, *projectFromItem(&items[i]))
	}
	return out, nil
}

// CreateTask stores a new Task memory, optionally parented under projectID.
func (s *Service) CreateTask(ctx context.Context, tenantID string, projectID *uuid.UUID, name string, todos []string) (*Task, error) {
	metadata := map[string]interface{}{
		"type":       "task",
		"name":       name,
		"status":     "todo",
		"categories": []string{"task"},
	}
	if len(todos) > 0 {
		metadata["todos"] = todos
	}
	if projectID != nil {
		metadata["projectId"] = projectID.String()
	}

	item, err := s.pipeline.Store(ctx, tenantID, s.moduleID, name, metadata)
	if err != nil {
		return nil, err
	}
	return taskFromItem(item), nil
}

// ListTasks returns every Task for the tenant, optionally filtered by parent project.
func (s *Service) ListTasks(ctx context.Context, tenantID string, projectID *uuid.UUID, limit, offset int) ([]Task, error) {
	store := s.cmi.Store(s.moduleID)
	if store == nil {
		return nil, apperr.NewInvalid("moduleId", "unknown module: "+s.moduleID)
	}
	criteria := map[string]interface{}{"type": "task"}
	if projectID != nil {
		criteria["projectId"] = projectID.String()
	}
	items, err := store.SearchByMetadata(ctx, tenantID, criteria, limit, offset)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, s.moduleID, "list tasks", err)
	}
	out := make([]Task, 0, len(items))
	for i := range items {
		out = append(out, *taskFromItem(&items[i]))
	}
	return out, nil
}

// UpdateTaskStatus rewrites a Task's status field, preserving every other
// metadata key (spec.md §4.1 Update replaces metadata wholesale, so this
// reads the current row first).
func (s *Service) UpdateTaskStatus(ctx context.Context, tenantID string, taskID uuid.UUID, status string) (*Task, error) {
	item, err := s.pipeline.Get(ctx, tenantID, s.moduleID, taskID)
	if err != nil {
		return nil, err
	}
	if metaType(item) != "task" {
		return nil, apperr.NewNotFound("task", taskID.String())
	}
	meta := cloneMetadata(item.Metadata)
	meta["status"] = status

	updated, err := s.pipeline.Update(ctx, tenantID, s.moduleID, taskID, nil, meta)
	if err != nil {
		return nil, err
	}
	return taskFromItem(updated), nil
}

// AddDependency records that toTaskID must complete before fromTaskID can
// start, as a CMI relationship edge rather than an inline field.
func (s *Service) AddDependency(ctx context.Context, tenantID string, fromTaskID, toTaskID uuid.UUID) (*registryvector.Relationship, error) {
	return s.cmi.CreateRelationship(ctx, registryvector.Relationship{
		TenantID:     tenantID,
		FromModuleID: s.moduleID,
		FromMemoryID: fromTaskID,
		ToModuleID:   s.moduleID,
		ToMemoryID:   toTaskID,
		Kind:         "depends_on",
		Strength:     1,
	})
}

// Dependencies returns every relationship touching taskID.
func (s *Service) Dependencies(ctx context.Context, tenantID string, taskID uuid.UUID) ([]registryvector.Relationship, error) {
	return s.cmi.GetRelatedMemories(ctx, tenantID, s.moduleID, taskID)
}

// DeleteProject removes a Project memory.
func (s *Service) DeleteProject(ctx context.Context, tenantID string, id uuid.UUID) error {
	return s.pipeline.Delete(ctx, tenantID, s.moduleID, id)
}

// DeleteTask removes a Task memory.
func (s *Service) DeleteTask(ctx context.Context, tenantID string, id uuid.UUID) error {
	return s.pipeline.Delete(ctx, tenantID, s.moduleID, id)
}

func metaType(item *registrymodule.MemoryItem) string {
	t, _ := item.Metadata["type"].(string)
	return t
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func projectFromItem(item *registrymodule.MemoryItem) *Project {
	return &Project{
		ID:          item.ID,
		Name:        stringField(item.Metadata, "name"),
		Description: stringField(item.Metadata, "description"),
		Status:      stringField(item.Metadata, "status"),
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}
}

func taskFromItem(item *registrymodule.MemoryItem) *Task {
	t := &Task{
		ID:        item.ID,
		Name:      stringField(item.Metadata, "name"),
		Status:    stringField(item.Metadata, "status"),
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
	if raw, ok := item.Metadata["projectId"].(string); ok && raw != "" {
		if pid, err := uuid.Parse(raw); err == nil {
			t.ProjectID = &pid
		}
	}
	switch v := item.Metadata["todos"].(type) {
	case []string:
		t.Todos = v
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok {
				t.Todos = append(t.Todos, s)
			}
		}
	}
	return t
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
