// Package tool implements the role-scoped tool surface agents call over
// MCP. Each role sees only its own operations: the planner submits and
// lists tasks, workers heartbeat and produce PRs, reviewers claim and
// judge, and the orchestrator agent holds the emergency brake. All
// mutations flow through the store's single writer; the only state a
// handler touches directly is a subprocess or a pane.
package tool

import (
	"net/http"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/aio/internal/config"
	"github.com/zjrosen/aio/internal/github"
	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/mcp"
	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/safety"
	"github.com/zjrosen/aio/internal/store"
)

// Deps carries everything the tool surface needs. Store is required;
// nil side-effect dependencies are only viable in tests that never reach
// them.
type Deps struct {
	Store      *store.Store
	Pusher     BranchPusher
	PR         github.Executor
	Panes      pane.Manager
	Workspaces WorkspaceRemover
	Guard      *safety.Guard
	Runner     CommandRunner
	Config     config.OrchestratorConfig
	Tracer     trace.Tracer // nil disables span emission
	Version    string
}

// Surface builds and caches the per-role MCP servers and routes HTTP
// traffic to them. Worker and reviewer servers are created on first use,
// one per agent ID, so each handler instance knows its caller.
type Surface struct {
	deps Deps

	mu           sync.RWMutex
	planner      *mcp.Server
	orchestrator *mcp.Server
	workers      map[string]*mcp.Server
	reviewers    map[string]*mcp.Server
}

// NewSurface builds the tool surface.
func NewSurface(deps Deps) *Surface {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Surface{
		deps:      deps,
		workers:   make(map[string]*mcp.Server),
		reviewers: make(map[string]*mcp.Server),
	}
}

// Planner returns the planner's MCP server, building it on first call.
func (s *Surface) Planner() *mcp.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.planner == nil {
		s.planner = s.newServer("aio-planner",
			"Plan work and submit tasks. Each task is implemented by an isolated worker agent that opens a PR.")
		NewPlannerHandlers(s.deps.Store).RegisterAll(s.planner)
	}
	return s.planner
}

// Orchestrator returns the admin MCP server, building it on first call.
func (s *Surface) Orchestrator() *mcp.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orchestrator == nil {
		s.orchestrator = s.newServer("aio-orchestrator",
			"Administrative surface: session visibility and emergency worker shutdown.")
		NewOrchestratorHandlers(s.deps.Store, s.deps.Panes, s.deps.Workspaces).RegisterAll(s.orchestrator)
	}
	return s.orchestrator
}

// Worker returns the MCP server for one worker ID, creating and caching
// it on first use.
func (s *Surface) Worker(workerID string) *mcp.Server {
	s.mu.RLock()
	srv, ok := s.workers[workerID]
	s.mu.RUnlock()
	if ok {
		return srv
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if srv, ok := s.workers[workerID]; ok {
		return srv
	}
	srv = s.newServer("aio-worker",
		"Implement your assigned task in your workspace, then open a PR with create_pr. Heartbeat often; check_events tells you when to stop.")
	NewWorkerHandlers(
		s.deps.Store, s.deps.Pusher, s.deps.PR, s.deps.Runner,
		s.deps.Guard, s.deps.Config, workerID,
	).RegisterAll(srv)
	s.workers[workerID] = srv
	log.Debug(log.CatTool, "Worker tool server created", "worker", workerID)
	return srv
}

// Reviewer returns the MCP server for one reviewer ID, creating and
// caching it on first use.
func (s *Surface) Reviewer(reviewerID string) *mcp.Server {
	s.mu.RLock()
	srv, ok := s.reviewers[reviewerID]
	s.mu.RUnlock()
	if ok {
		return srv
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if srv, ok := s.reviewers[reviewerID]; ok {
		return srv
	}
	srv = s.newServer("aio-reviewer",
		"Claim tasks in review, inspect their PRs, and approve or deny with feedback.")
	NewReviewerHandlers(s.deps.Store, reviewerID, s.deps.Config.ReviewClaimTimeout).RegisterAll(srv)
	s.reviewers[reviewerID] = srv
	log.Debug(log.CatTool, "Reviewer tool server created", "reviewer", reviewerID)
	return srv
}

// Handler routes agent HTTP traffic to the right role server:
//
//	POST /planner
//	POST /orchestrator
//	POST /worker/{worker_id}
//	POST /reviewer/{reviewer_id}
func (s *Surface) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/planner", s.Planner().Handler())
	mux.Handle("/orchestrator", s.Orchestrator().Handler())
	mux.HandleFunc("/worker/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/worker/")
		if id == "" {
			http.Error(w, "worker ID required in path", http.StatusBadRequest)
			return
		}
		s.Worker(id).Handler().ServeHTTP(w, r)
	})
	mux.HandleFunc("/reviewer/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/reviewer/")
		if id == "" {
			http.Error(w, "reviewer ID required in path", http.StatusBadRequest)
			return
		}
		s.Reviewer(id).Handler().ServeHTTP(w, r)
	})
	return mux
}

// Stop cancels in-flight handlers on every built server.
func (s *Surface) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.planner != nil {
		s.planner.Stop()
	}
	if s.orchestrator != nil {
		s.orchestrator.Stop()
	}
	for _, srv := range s.workers {
		srv.Stop()
	}
	for _, srv := range s.reviewers {
		srv.Stop()
	}
}

func (s *Surface) newServer(name, instructions string) *mcp.Server {
	opts := []mcp.ServerOption{mcp.WithInstructions(instructions)}
	if s.deps.Tracer != nil {
		opts = append(opts, mcp.WithTracer(s.deps.Tracer))
	}
	return mcp.NewServer(name, s.deps.Version, opts...)
}
