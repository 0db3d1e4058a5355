package api

import (
	"log/slog"
	"net/http"

	"github.com/acurioustractor/farmhand/agent"
)

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Agents.ListAgents(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	infos := make([]agent.Info, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, a.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Info())
}

// setEnabled toggles whether the heartbeat offers work to an agent. A
// disabled agent keeps any task it already holds.
func (h *Handlers) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := h.Agents.SetEnabled(r.Context(), id, enabled); err != nil {
			h.fail(w, r, err)
			return
		}
		a, err := h.Agents.GetAgent(r.Context(), id)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.logger().Info("agent toggled",
			slog.String("agent", id), slog.Bool("enabled", enabled), slog.String("by", Subject(r.Context())))
		writeJSON(w, http.StatusOK, a.Info())
	}
}
