package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/ssd-technologies/agora/internal/identity"
	"github.com/ssd-technologies/agora/internal/storage"
)

// adminAuth checks the X-Admin-Secret header against the server secret.
// Returns false (writing the error) if admin access is disabled or the
// header does not match.
func (s *Server) adminAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.secret == "" {
		writeError(w, http.StatusForbidden, "admin endpoints are disabled")
		return false
	}
	got := r.Header.Get("X-Admin-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid admin secret")
		return false
	}
	return true
}

type identityResponse struct {
	Name         string    `json:"name"`
	Tier         string    `json:"tier"`
	Weight       int       `json:"weight"`
	Wallet       string    `json:"wallet,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

func toIdentityResponse(id storage.Identity) identityResponse {
	t := identity.Tier(id.Tier)
	return identityResponse{
		Name:         id.Name,
		Tier:         t.String(),
		Weight:       t.Weight(),
		Wallet:       id.Wallet,
		RegisteredAt: time.UnixMilli(id.RegisteredAt),
	}
}

func (s *Server) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	var req struct {
		Name string `json:"name"`
		// Tier is a tier name ("wallet-linked") or number (2).
		Tier   any    `json:"tier"`
		Wallet string `json:"wallet"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.fail(w, r, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}
	tier, err := identity.ParseTier(fmt.Sprint(req.Tier))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.engine.RegisterIdentity(r.Context(), req.Name, tier, req.Wallet)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIdentityResponse(*id))
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	ids, err := s.engine.ListIdentities(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]identityResponse, 0, len(ids))
	for _, id := range ids {
		out = append(out, toIdentityResponse(id))
	}
	writeJSON(w, http.StatusOK, out)
}
