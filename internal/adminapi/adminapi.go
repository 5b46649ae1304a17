// Package adminapi implements C8: the versioned admin REST surface in
// front of the credential store, registry, dispatcher, task manager, and
// context store. Every route requires the admin bearer token (spec §4.8);
// handlers translate internal errors to the status codes in spec §7.
package adminapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/botcore/internal/config"
	"github.com/basket/botcore/internal/contextstore"
	"github.com/basket/botcore/internal/credentialstore"
	"github.com/basket/botcore/internal/registry"
	"github.com/basket/botcore/internal/taskmanager"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// InstanceCloser is implemented by the session manager: CloseAllForBot
// force-closes every live connection of a bot_id, failing its waiters
// with InstanceGone, so DELETE /v1/bots/{bot_id} honors spec §5's
// "Admin DELETE ... cancels all waiters" requirement.
type InstanceCloser interface {
	CloseAllForBot(botID string) int
}

// Config holds Server's dependencies and tunables.
type Config struct {
	Credentials *credentialstore.Store
	Registry    *registry.Registry
	Tasks       *taskmanager.Manager
	Context     *contextstore.Store
	Sessions    InstanceCloser
	Logger      *slog.Logger
	AdminToken  string
	Config      config.Config // echoed back, fingerprinted, by GET /v1/status
	StartedAt   time.Time
}

// Server holds the compiled routes and dependencies for the admin REST API.
type Server struct {
	cfg             Config
	createBotSchema *jsonschema.Schema
	argSchemas      *argumentSchemas
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &Server{
		cfg:             cfg,
		createBotSchema: compileCreateBotSchema(),
		argSchemas:      newArgumentSchemas(),
	}
}

// Handler returns the fully-wired, authenticated http.Handler for the
// admin API. cmd/botcored mounts it as the transport listener's
// AdminHandler, so it serves every path other than the websocket upgrade
// path on the same listen address.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/bots", s.handleCreateBot)
	mux.HandleFunc("GET /v1/bots", s.handleListBots)
	mux.HandleFunc("GET /v1/bots/{bot_id}", s.handleGetBot)
	mux.HandleFunc("PUT /v1/bots/{bot_id}", s.handleUpdateBot)
	mux.HandleFunc("DELETE /v1/bots/{bot_id}", s.handleDeleteBot)
	mux.HandleFunc("GET /v1/bots/{bot_id}/instances", s.handleListInstances)
	mux.HandleFunc("POST /v1/bots/{bot_id}/actions/{command_name}", s.handleDispatchAction)

	mux.HandleFunc("GET /v1/tasks/{task_id}", s.handleGetTask)

	mux.HandleFunc("POST /v1/context/{session_id}/{namespace}", s.handleUpsertContext)
	mux.HandleFunc("GET /v1/context/{session_id}/{namespace}", s.handleGetContext)

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/schedule/preview", s.handleSchedulePreview)

	return requireBearer(s.cfg.AdminToken, mux)
}
