package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"tuya-dp-bridge/internal/automation"
)

type automationView struct {
	*automation.Script
	Running bool `json:"running"`
}

func (s *Server) automationViews(scripts []*automation.Script) []automationView {
	running := s.autoEngine.Running()
	out := make([]automationView, 0, len(scripts))
	for _, sc := range scripts {
		out = append(out, automationView{Script: sc, Running: slices.Contains(running, sc.ID)})
	}
	return out
}

func (s *Server) writeAutomationError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "script not found"})
	case errors.Is(err, automation.ErrInvalidID):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error(op, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.writeAutomationError(w, "list scripts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.automationViews(scripts))
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeAutomationError(w, "get script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.automationViews([]*automation.Script{script})[0])
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func decodeAutomation(w http.ResponseWriter, r *http.Request) (saveAutomationRequest, bool) {
	var req saveAutomationRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, false
	}
	return req, req.Name != ""
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAutomation(w, r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body, name is required"})
		return
	}

	saved, err := s.scriptMgr.Save(&automation.Script{
		Meta: automation.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Enabled:     req.Enabled,
		},
		LuaCode: req.LuaCode,
	})
	if err != nil {
		s.writeAutomationError(w, "create script", err)
		return
	}
	s.reload(saved.ID)
	s.writeJSON(w, http.StatusCreated, s.automationViews([]*automation.Script{saved})[0])
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeAutomationError(w, "get script", err)
		return
	}
	req, ok := decodeAutomation(w, r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body, name is required"})
		return
	}

	existing.Meta.Name = req.Name
	existing.Meta.Description = req.Description
	existing.Meta.Enabled = req.Enabled
	existing.LuaCode = req.LuaCode

	saved, err := s.scriptMgr.Save(existing)
	if err != nil {
		s.writeAutomationError(w, "update script", err)
		return
	}
	s.reload(saved.ID)
	s.writeJSON(w, http.StatusOK, s.automationViews([]*automation.Script{saved})[0])
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeAutomationError(w, "delete script", err)
		return
	}
	s.autoEngine.StopScript(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeAutomationError(w, "get script", err)
		return
	}

	script.Meta.Enabled = !script.Meta.Enabled
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.writeAutomationError(w, "toggle script", err)
		return
	}
	s.reload(saved.ID)
	s.writeJSON(w, http.StatusOK, s.automationViews([]*automation.Script{saved})[0])
}

// handleAPIRunAutomation runs a stored script once, or the posted lua_code
// when the id is _inline.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "_inline" {
		var req struct {
			LuaCode string `json:"lua_code"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
		return
	}

	result, err := s.autoEngine.RunScript(id)
	if err != nil {
		s.writeAutomationError(w, "run script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// reload restarts a saved script. A script that fails to load stays
// stopped; the error only reaches the log.
func (s *Server) reload(id string) {
	if err := s.autoEngine.ReloadScript(id); err != nil {
		s.logger.Warn("reload script", "id", id, "err", err)
	}
}
