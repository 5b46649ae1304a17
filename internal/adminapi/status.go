package adminapi

import (
	"net/http"
	"time"
)

type statusResponse struct {
	ConfigFingerprint   string `json:"config_fingerprint"`
	ActiveInstanceCount int    `json:"active_instance_count"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
}

// handleStatus is the expansion's config-fingerprint endpoint, the admin
// analogue of the teacher's system.status RPC (spec_full §4 supplemented
// features).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		ConfigFingerprint:   s.cfg.Config.Fingerprint(),
		ActiveInstanceCount: s.cfg.Registry.Count(),
		UptimeSeconds:       int64(time.Since(s.cfg.StartedAt).Seconds()),
	})
}
