package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/justfiles/justfiles/internal/auth"
	"github.com/justfiles/justfiles/internal/logging"
)

// handleListUsers handles GET /api/v1/admin/users.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	creds, err := s.auth.Credentials().List(r.Context())
	if err != nil {
		s.sendFault(w, err)
		return
	}

	type userInfo struct {
		ID           string `json:"id"`
		Email        string `json:"email"`
		IsAdmin      bool   `json:"is_admin"`
		UsedSpace    int64  `json:"usedSpace"`
		StorageLimit int64  `json:"storageLimit"`
		Blocked      bool   `json:"blocked"`
	}
	out := make([]userInfo, 0, len(creds))
	for _, c := range creds {
		u := userInfo{ID: c.ID, Email: c.Email, IsAdmin: c.IsAdmin}
		if acct, err := s.ledger.GetAccount(r.Context(), c.ID); err == nil {
			u.UsedSpace = acct.UsedSpace
			u.StorageLimit = acct.StorageLimit
			u.Blocked = acct.Blocked
		}
		out = append(out, u)
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"users": out})
}

// handleCreateUser handles POST /api/v1/admin/users.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		s.sendError(w, http.StatusBadRequest, "email and password required")
		return
	}

	cred, err := s.auth.CreateAccount(r.Context(), req.Email, req.Password, req.IsAdmin)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			s.sendError(w, http.StatusConflict, "email already registered")
			return
		}
		s.sendFault(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, cred)
}

// handlePurgeAccount handles DELETE /api/v1/admin/accounts/{id}: the
// two-phase purge of everything the account owns, then its
// credential.
func (s *Server) handlePurgeAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	admin := auth.GetClaims(r.Context())
	if admin != nil && admin.AccountID == id {
		s.sendError(w, http.StatusBadRequest, "cannot purge your own account")
		return
	}

	if err := s.tree.PurgeAccount(r.Context(), id); err != nil {
		s.sendFault(w, err)
		return
	}
	if err := s.auth.Credentials().Delete(r.Context(), id); err != nil {
		logging.Warn("credential already gone during purge",
			zap.String("account_id", id), zap.Error(err))
	}

	logging.Info("account purged",
		zap.String("account_id", id),
		zap.String("admin_id", admin.AccountID))
	w.WriteHeader(http.StatusNoContent)
}

// handleGetQuota handles GET /api/v1/admin/quotas/{id}.
func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendFault(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, acct)
}

// handleSetQuota handles PUT /api/v1/admin/quotas/{id}: adjusts the
// storage limit and/or the blocked flag.
func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StorageLimit *int64 `json:"storageLimit"`
		Blocked      *bool  `json:"blocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StorageLimit == nil && req.Blocked == nil {
		s.sendError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	id := r.PathValue("id")
	ctx := r.Context()
	if req.StorageLimit != nil {
		if *req.StorageLimit < 0 {
			s.sendError(w, http.StatusBadRequest, "storage limit must not be negative")
			return
		}
		if err := s.ledger.SetLimit(ctx, id, *req.StorageLimit); err != nil {
			s.sendFault(w, err)
			return
		}
	}
	if req.Blocked != nil {
		if err := s.ledger.SetBlocked(ctx, id, *req.Blocked); err != nil {
			s.sendFault(w, err)
			return
		}
	}

	acct, err := s.ledger.GetAccount(ctx, id)
	if err != nil {
		s.sendFault(w, err)
		return
	}
	logging.Info("quota updated",
		zap.String("account_id", id),
		zap.Int64("storage_limit", acct.StorageLimit),
		zap.Bool("blocked", acct.Blocked))
	s.sendJSON(w, http.StatusOK, acct)
}
