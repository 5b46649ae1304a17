package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/basket/botcore/internal/boterrs"
)

type upsertContextRequest struct {
	TTLSeconds int             `json:"ttlSeconds"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) handleUpsertContext(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	namespace := r.PathValue("namespace")

	var req upsertContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, boterrs.Wrap(boterrs.CodeInvalidArgument, "decode request body", err))
		return
	}
	if req.TTLSeconds <= 0 {
		s.fail(w, r, boterrs.New(boterrs.CodeInvalidArgument, "ttlSeconds must be positive"))
		return
	}

	s.cfg.Context.Upsert(sessionID, namespace, req.Payload, time.Duration(req.TTLSeconds)*time.Second)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	namespace := r.PathValue("namespace")

	payload, err := s.cfg.Context.Get(sessionID, namespace)
	if err != nil {
		s.fail(w, r, boterrs.Wrap(boterrs.CodeNotFound, "context document not found", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
