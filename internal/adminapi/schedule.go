package adminapi

import (
	"net/http"
	"time"

	"github.com/basket/botcore/internal/boterrs"
	"github.com/basket/botcore/internal/cron"
)

type schedulePreviewResponse struct {
	NextRunAt string `json:"next_run_at"`
}

// handleSchedulePreview validates a cron expression and reports its next
// run time after `after` (defaulting to now), without registering
// anything. It lets an admin check a cron-style maintenance-window
// expression before putting it in config.yaml, using the same parser the
// scheduler would.
func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("cron")
	if expr == "" {
		s.fail(w, r, boterrs.New(boterrs.CodeInvalidArgument, "cron query parameter is required"))
		return
	}

	after := time.Now().UTC()
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.fail(w, r, boterrs.Wrap(boterrs.CodeInvalidArgument, "after must be RFC3339", err))
			return
		}
		after = parsed
	}

	next, err := cron.NextRunTime(expr, after)
	if err != nil {
		s.fail(w, r, boterrs.Wrap(boterrs.CodeInvalidArgument, "invalid cron expression", err))
		return
	}

	writeJSON(w, http.StatusOK, schedulePreviewResponse{NextRunAt: next.UTC().Format(time.RFC3339)})
}
