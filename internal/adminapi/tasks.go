package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/basket/botcore/internal/statestore"
)

type taskView struct {
	TaskID string               `json:"task_id"`
	State  statestore.TaskState `json:"state"`
	Result json.RawMessage      `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// handleGetTask returns a task's current snapshot. Non-terminal states get
// a Retry-After hint so well-behaved pollers back off instead of hammering
// the endpoint (spec §6).
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	task, err := s.cfg.Tasks.Get(r.Context(), taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	view := taskView{TaskID: task.TaskID, State: task.State, Error: task.Error}
	if len(task.Result) > 0 {
		view.Result = task.Result
	}

	switch task.State {
	case statestore.TaskPending, statestore.TaskRunning:
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, http.StatusOK, view)
}
