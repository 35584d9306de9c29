package api

import (
	"encoding/json"
	"net/http"

	"sitesnap-evidence/internal/models"
	"sitesnap-evidence/internal/telemetry"
)

// User is a local operator account. The pilot deployment ships a fixed
// roster; an identity provider can replace this without touching handlers.
type User struct {
	Password string
	Role     models.Role
	Name     string
}

func defaultUsers() map[string]User {
	return map[string]User{
		"worker":  {Password: "123", Role: models.RoleWorker, Name: "John (Site A)"},
		"manager": {Password: "456", Role: models.RoleSupervisor, Name: "Sarah (HQ)"},
		"admin":   {Password: "789", Role: models.RoleAdmin, Name: "System Admin"},
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Name string      `json:"name"`
	Role models.Role `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	u, ok := s.users[req.Username]
	if !ok || u.Password != req.Password {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	s.audit.Record(r.Context(), u.Name, u.Role, "Login Success")
	telemetry.AuditEvents.Inc()
	writeJSON(w, http.StatusOK, loginResponse{Name: u.Name, Role: u.Role})
}

type logoutRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.audit.Record(r.Context(), req.Name, role, "Logout")
	telemetry.AuditEvents.Inc()
	w.WriteHeader(http.StatusNoContent)
}
