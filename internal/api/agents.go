package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/formchat/internal/agent"
	"github.com/go-chi/chi/v5"
)

func roleParam(r *http.Request) agent.Role {
	return agent.Role(chi.URLParam(r, "role"))
}

// GetAgent returns the config of one agent role.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	cfg, err := h.svc.AgentConfig(st, roleParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, cfg)
}

// UpdateAgent replaces model, system prompt and tools of one agent role.
// An omitted tools list selects no tools.
func (h *Handler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.stream.MaxRequestBodySize)

	var cfg agent.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := h.svc.ConfigureAgent(r.Context(), st, roleParam(r), cfg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, updated)
}

// ResetAgent discards the live agent of a role, giving it a fresh memory.
func (h *Handler) ResetAgent(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	if err := h.svc.ResetAgent(st, roleParam(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListModels returns the models offered by the backend.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.svc.ListModels(r.Context())
	if err != nil {
		h.logger.Warn("Failed to list models", "error", err)
		Error(w, http.StatusBadGateway, "agent backend unavailable")
		return
	}
	if models == nil {
		models = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"models":   models,
		"defaults": h.svc.Defaults(),
		"tools":    agent.AvailableTools(),
	})
}
