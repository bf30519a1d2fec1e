// Package mcpserver is the agent tool surface (spec.md C8): memory_search,
// memory_store, memory_retrieve, memory_update, memory_delete,
// memory_list_modules, plus the project-management and people/CRM domain
// operations, exposed over MCP. The teacher carries mark3labs/mcp-go as a
// separate `mcp` submodule (go.mod only, no source — see DESIGN.md); this
// package folds that dependency into the main module and builds the tool
// registrations the submodule never got around to writing.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/domain/people"
	"github.com/4xguy/federated-memory-sub004/internal/domain/projects"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
	registryvector "github.com/4xguy/federated-memory-sub004/internal/registry/vector"
	"github.com/4xguy/federated-memory-sub004/internal/security"
	"github.com/4xguy/federated-memory-sub004/internal/service/cmi"
	"github.com/4xguy/federated-memory-sub004/internal/service/writepipeline"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps an mcp-go MCPServer wired against the write pipeline, the
// CMI, and the domain services.
type Server struct {
	mcp      *server.MCPServer
	resolver *security.TokenResolver
}

// Deps bundles every service the tool surface dispatches to.
type Deps struct {
	Pipeline *writepipeline.Pipeline
	CMI      *cmi.Service
	Stores   map[string]registrymodule.Store
	Projects *projects.Service
	People   *people.Service
	Resolver *security.TokenResolver
}

// New builds the MCP tool server from Deps.
func New(deps Deps) *Server {
	s := server.NewMCPServer("federated-memory-service", "1.0.0")
	srv := &Server{mcp: s, resolver: deps.Resolver}

	registerMemoryTools(s, deps)
	registerProjectTools(s, deps)
	registerPeopleTools(s, deps)

	return srv
}

// HTTPHandler returns an http.Handler serving MCP over streamable HTTP,
// resolving the bearer token on each request into a tenant ID stored in
// context (the same identity every other transport authenticates with).
func (s *Server) HTTPHandler() http.Handler {
	httpServer := server.NewStreamableHTTPServer(s.mcp,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			tenantID, err := s.resolver.Resolve(ctx, token)
			if err != nil {
				return ctx
			}
			return security.WithTenant(ctx, tenantID)
		}),
	)
	return httpServer
}

func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("failed to marshal result: " + err.Error())
	}
	return mcp.NewToolResultText(string(data))
}

func errResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func tenantFrom(ctx context.Context) string {
	return security.TenantFromContext(ctx)
}

// --- memory/* ---------------------------------------------------------

func registerMemoryTools(s *server.MCPServer, deps Deps) {
	s.AddTool(mcp.NewTool("memory_store",
		mcp.WithDescription("Store a new memory, optionally pinning the owning module."),
		mcp.WithString("content", mcp.Required(), mcp.Description("The free-form text to remember.")),
		mcp.WithString("moduleId", mcp.Description("Module to store into; leave blank to auto-route.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return errResult(err)
		}
		moduleID := req.GetString("moduleId", "")
		item, err := deps.Pipeline.Store(ctx, tenantFrom(ctx), moduleID, content, nil)
		if err != nil {
			return errResult(err)
		}
		return textResult(item), nil
	})

	s.AddTool(mcp.NewTool("memory_search",
		mcp.WithDescription("Federated search across every module routed for the query."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language search query.")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 20).")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return errResult(err)
		}
		limit := int(req.GetFloat("limit", 20))
		results, err := deps.CMI.SearchMemories(ctx, tenantFrom(ctx), query, limit)
		if err != nil {
			return errResult(err)
		}
		return textResult(results), nil
	})

	s.AddTool(mcp.NewTool("memory_retrieve",
		mcp.WithDescription("Fetch one memory by module and id."),
		mcp.WithString("moduleId", mcp.Required()),
		mcp.WithString("id", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		moduleID, err := req.RequireString("moduleId")
		if err != nil {
			return errResult(err)
		}
		idStr, err := req.RequireString("id")
		if err != nil {
			return errResult(err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return errResult(err)
		}
		item, err := deps.Pipeline.Get(ctx, tenantFrom(ctx), moduleID, id)
		if err != nil {
			return errResult(err)
		}
		return textResult(item), nil
	})

	s.AddTool(mcp.NewTool("memory_update",
		mcp.WithDescription("Update a memory's content; metadata is left unchanged."),
		mcp.WithString("moduleId", mcp.Required()),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("content", mcp.Description("New content; omit to leave unchanged.")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		moduleID, err := req.RequireString("moduleId")
		if err != nil {
			return errResult(err)
		}
		idStr, err := req.RequireString("id")
		if err != nil {
			return errResult(err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return errResult(err)
		}
		var contentPtr *string
		if content := req.GetString("content", ""); content != "" {
			contentPtr = &content
		}
		item, err := deps.Pipeline.Update(ctx, tenantFrom(ctx), moduleID, id, contentPtr, nil)
		if err != nil {
			return errResult(err)
		}
		return textResult(item), nil
	})

	s.AddTool(mcp.NewTool("memory_delete",
		mcp.WithDescription("Delete a memory by module and id."),
		mcp.WithString("moduleId", mcp.Required()),
		mcp.WithString("id", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		moduleID, err := req.RequireString("moduleId")
		if err != nil {
			return errResult(err)
		}
		idStr, err := req.RequireString("id")
		if err != nil {
			return errResult(err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return errResult(err)
		}
		if err := deps.Pipeline.Delete(ctx, tenantFrom(ctx), moduleID, id); err != nil {
			return errResult(err)
		}
		return mcp.NewToolResultText("deleted"), nil
	})

	s.AddTool(mcp.NewTool("memory_list_modules",
		mcp.WithDescription("List every enabled module."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var out []map[string]string
		for _, def := range moduledef.All() {
			if _, enabled := deps.Stores[def.ID()]; !enabled {
				continue
			}
			out = append(out, map[string]string{"id": def.ID(), "displayName": def.DisplayName(), "description": def.Description()})
		}
		return textResult(out), nil
	})

	s.AddTool(mcp.NewTool("relationship_create",
		mcp.WithDescription("Create a typed, weighted edge between two memories, possibly in different modules."),
		mcp.WithString("fromModuleId", mcp.Required()),
		mcp.WithString("fromMemoryId", mcp.Required()),
		mcp.WithString("toModuleId", mcp.Required()),
		mcp.WithString("toMemoryId", mcp.Required()),
		mcp.WithString("kind", mcp.Required(), mcp.Description("e.g. similar, depends_on, refines, contradicts")),
		mcp.WithNumber("strength", mcp.Description("[0,1], default 1.0")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromModuleID, err := req.RequireString("fromModuleId")
		if err != nil {
			return errResult(err)
		}
		fromID, err := requireUUID(req, "fromMemoryId")
		if err != nil {
			return errResult(err)
		}
		toModuleID, err := req.RequireString("toModuleId")
		if err != nil {
			return errResult(err)
		}
		toID, err := requireUUID(req, "toMemoryId")
		if err != nil {
			return errResult(err)
		}
		kind, err := req.RequireString("kind")
		if err != nil {
			return errResult(err)
		}
		strength := req.GetFloat("strength", 1.0)
		rel, err := deps.CMI.CreateRelationship(ctx, registryvector.Relationship{
			TenantID:     tenantFrom(ctx),
			FromModuleID: fromModuleID,
			FromMemoryID: fromID,
			ToModuleID:   toModuleID,
			ToMemoryID:   toID,
			Kind:         kind,
			Strength:     strength,
		})
		if err != nil {
			return errResult(err)
		}
		return textResult(rel), nil
	})

	s.AddTool(mcp.NewTool("relationship_list",
		mcp.WithDescription("List every relationship touching one memory, in either direction."),
		mcp.WithString("moduleId", mcp.Required()),
		mcp.WithString("memoryId", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		moduleID, err := req.RequireString("moduleId")
		if err != nil {
			return errResult(err)
		}
		id, err := requireUUID(req, "memoryId")
		if err != nil {
			return errResult(err)
		}
		rels, err := deps.CMI.GetRelatedMemories(ctx, tenantFrom(ctx), moduleID, id)
		if err != nil {
			return errResult(err)
		}
		return textResult(rels), nil
	})
}

func requireUUID(req mcp.CallToolRequest, key string) (uuid.UUID, error) {
	raw, err := req.RequireString(key)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(raw)
}

// --- project/task -------------------------------------------------------

func registerProjectTools(s *server.MCPServer, deps Deps) {
	if deps.Projects == nil {
		return
	}

	s.AddTool(mcp.NewTool("project_create",
		mcp.WithDescription("Create a new project."),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("description"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return errResult(err)
		}
		p, err := deps.Projects.CreateProject(ctx, tenantFrom(ctx), name, req.GetString("description", ""))
		if err != nil {
			return errResult(err)
		}
		return textResult(p), nil
	})

	s.AddTool(mcp.NewTool("project_list",
		mcp.WithDescription("List every project."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Projects.ListProjects(ctx, tenantFrom(ctx), 50, 0)
		if err != nil {
			return errResult(err)
		}
		return textResult(list), nil
	})

	s.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create a task, optionally parented under a project."),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("projectId"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return errResult(err)
		}
		var projectID *uuid.UUID
		if raw := req.GetString("projectId", ""); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return errResult(err)
			}
			projectID = &id
		}
		t, err := deps.Projects.CreateTask(ctx, tenantFrom(ctx), projectID, name, nil)
		if err != nil {
			return errResult(err)
		}
		return textResult(t), nil
	})

	s.AddTool(mcp.NewTool("task_update_status",
		mcp.WithDescription("Update a task's status."),
		mcp.WithString("taskId", mcp.Required()),
		mcp.WithString("status", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idStr, err := req.RequireString("taskId")
		if err != nil {
			return errResult(err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return errResult(err)
		}
		status, err := req.RequireString("status")
		if err != nil {
			return errResult(err)
		}
		t, err := deps.Projects.UpdateTaskStatus(ctx, tenantFrom(ctx), id, status)
		if err != nil {
			return errResult(err)
		}
		return textResult(t), nil
	})

	s.AddTool(mcp.NewTool("task_add_dependency",
		mcp.WithDescription("Record that one task depends on another."),
		mcp.WithString("taskId", mcp.Required()),
		mcp.WithString("dependsOnTaskId", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fromStr, err := req.RequireString("taskId")
		if err != nil {
			return errResult(err)
		}
		toStr, err := req.RequireString("dependsOnTaskId")
		if err != nil {
			return errResult(err)
		}
		from, err := uuid.Parse(fromStr)
		if err != nil {
			return errResult(err)
		}
		to, err := uuid.Parse(toStr)
		if err != nil {
			return errResult(err)
		}
		rel, err := deps.Projects.AddDependency(ctx, tenantFrom(ctx), from, to)
		if err != nil {
			return errResult(err)
		}
		return textResult(rel), nil
	})
}

// --- person/household/ministry/attendance --------------------------------

func registerPeopleTools(s *server.MCPServer, deps Deps) {
	if deps.People == nil {
		return
	}

	s.AddTool(mcp.NewTool("person_create",
		mcp.WithDescription("Create a new person record."),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("email"),
		mcp.WithString("phone"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return errResult(err)
		}
		p, err := deps.People.CreatePerson(ctx, tenantFrom(ctx), name, req.GetString("email", ""), req.GetString("phone", ""), nil)
		if err != nil {
			return errResult(err)
		}
		return textResult(p), nil
	})

	s.AddTool(mcp.NewTool("person_list",
		mcp.WithDescription("List every person."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.People.ListPeople(ctx, tenantFrom(ctx), 50, 0)
		if err != nil {
			return errResult(err)
		}
		return textResult(list), nil
	})

	s.AddTool(mcp.NewTool("attendance_record",
		mcp.WithDescription("Record a person's attendance at an event."),
		mcp.WithString("personId", mcp.Required()),
		mcp.WithString("eventName", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idStr, err := req.RequireString("personId")
		if err != nil {
			return errResult(err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return errResult(err)
		}
		eventName, err := req.RequireString("eventName")
		if err != nil {
			return errResult(err)
		}
		a, err := deps.People.RecordAttendance(ctx, tenantFrom(ctx), id, eventName, time.Now())
		if err != nil {
			return errResult(err)
		}
		return textResult(a), nil
	})
}
