package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/basket/botcore/internal/boterrs"
	"github.com/basket/botcore/internal/credentialstore"
	"github.com/basket/botcore/internal/statestore"
)

type createBotRequest struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	AdapterType   string            `json:"adapter_type"`
	Capabilities  []string          `json:"capabilities"`
	Configuration map[string]string `json:"configuration"`
}

type createBotResponse struct {
	BotID                  string    `json:"bot_id"`
	OneTimeRegistrationTok string    `json:"one_time_registration_token"`
	CreatedAt              time.Time `json:"created_at"`
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, r, boterrs.New(boterrs.CodeInvalidArgument, "read request body: "+err.Error()))
		return
	}
	if err := validateAgainstSchema(s.createBotSchema, body); err != nil {
		s.fail(w, r, boterrs.Wrap(boterrs.CodeInvalidArgument, "request body failed schema validation", err))
		return
	}

	var req createBotRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(w, r, boterrs.Wrap(boterrs.CodeInvalidArgument, "decode request body", err))
		return
	}

	botID, token, err := s.cfg.Credentials.CreateDefinition(r.Context(), credentialstore.DefinitionSpec{
		Name:                 req.Name,
		Description:          req.Description,
		AdapterType:          req.AdapterType,
		DeclaredCapabilities: req.Capabilities,
		Configuration:        req.Configuration,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	def, err := s.cfg.Credentials.GetDefinition(r.Context(), botID)
	createdAt := time.Now().UTC()
	if err == nil {
		createdAt = def.CreatedAt
	}

	writeJSON(w, http.StatusCreated, createBotResponse{
		BotID:                  botID,
		OneTimeRegistrationTok: token,
		CreatedAt:              createdAt,
	})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	defs, err := s.cfg.Credentials.ListDefinitions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": defs})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	def, err := s.cfg.Credentials.GetDefinition(r.Context(), botID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")

	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, boterrs.Wrap(boterrs.CodeInvalidArgument, "decode request body", err))
		return
	}

	existing, err := s.cfg.Credentials.GetDefinition(r.Context(), botID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	existing.Name = req.Name
	existing.Description = req.Description
	existing.AdapterType = req.AdapterType
	existing.DeclaredCapabilities = req.Capabilities
	existing.Configuration = req.Configuration

	if err := s.cfg.Credentials.UpdateDefinition(r.Context(), existing); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteBot removes a bot definition and its credentials, then
// force-closes every live instance so no waiter targeting it survives the
// delete (spec §5).
func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	if err := s.cfg.Credentials.DeleteDefinition(r.Context(), botID); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cfg.Sessions != nil {
		s.cfg.Sessions.CloseAllForBot(botID)
	}
	w.WriteHeader(http.StatusNoContent)
}

type instanceView struct {
	InstanceID          string    `json:"instance_id"`
	ConnectedAt         time.Time `json:"connected_at"`
	RuntimeCapabilities []string  `json:"runtime_capabilities"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	insts := s.cfg.Registry.ListByBot(botID)

	out := make([]instanceView, 0, len(insts))
	for _, inst := range insts {
		out = append(out, instanceView{
			InstanceID:          inst.InstanceID,
			ConnectedAt:         inst.ConnectedAt,
			RuntimeCapabilities: inst.RuntimeCapabilities,
			LastHeartbeatAt:     inst.LastHeartbeatAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": out})
}

type dispatchActionResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

// handleDispatchAction validates arguments against any registered
// per-command schema, then hands the command to the task manager, which
// returns immediately with a task_id (spec §6: 202 + Location header).
func (s *Server) handleDispatchAction(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	commandName := r.PathValue("command_name")

	args, err := io.ReadAll(r.Body)
	if err != nil {
		s.fail(w, r, boterrs.New(boterrs.CodeInvalidArgument, "read request body: "+err.Error()))
		return
	}

	if schemaJSON, ok := s.lookupArgumentSchema(r.Context(), botID, commandName); ok {
		schema, err := s.argSchemas.compile(botID, commandName, schemaJSON)
		if err != nil {
			s.fail(w, r, boterrs.Wrap(boterrs.CodeInternal, "compile registered argument schema", err))
			return
		}
		if len(args) > 0 {
			if err := validateAgainstSchema(schema, args); err != nil {
				s.fail(w, r, boterrs.Wrap(boterrs.CodeInvalidArgument, "arguments failed schema validation", err))
				return
			}
		}
	}

	taskID, err := s.cfg.Tasks.Submit(r.Context(), botID, commandName, args)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/tasks/"+taskID)
	writeJSON(w, http.StatusAccepted, dispatchActionResponse{
		TaskID: taskID,
		State:  string(statestore.TaskPending),
	})
}

// lookupArgumentSchema finds a JSON schema registered for commandName
// under botID's definition, by the "schema.<command_name>" configuration
// convention (spec_full's capability argument schema validation supplement).
func (s *Server) lookupArgumentSchema(ctx context.Context, botID, commandName string) (string, bool) {
	def, err := s.cfg.Credentials.GetDefinition(ctx, botID)
	if err != nil {
		return "", false
	}
	schemaJSON, ok := def.Configuration["schema."+commandName]
	return schemaJSON, ok && schemaJSON != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
