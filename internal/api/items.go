package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/justfiles/justfiles/internal/access"
	"github.com/justfiles/justfiles/internal/auth"
	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/item"
)

// handleCreateFolder handles POST /api/v1/folders.
func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	if identity == "" {
		s.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req struct {
		Name     string `json:"name"`
		ParentID string `json:"parentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name required")
		return
	}
	if req.ParentID == "" {
		req.ParentID = item.RootParent
	}

	folder, err := s.pipeline.CreateFolder(r.Context(), identity, req.ParentID, req.Name)
	if err != nil {
		s.sendFault(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, folder)
}

// handleListItems handles GET /api/v1/items?parent=. An authenticated
// account lists its own children; the listing never crosses accounts.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	if identity == "" {
		s.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	parentID := r.URL.Query().Get("parent")
	if parentID == "" {
		parentID = item.RootParent
	}
	if parentID != item.RootParent {
		parent, err := s.store.Get(r.Context(), parentID)
		if err != nil {
			s.sendFault(w, err)
			return
		}
		if err := access.AssertReadable(parent, identity); err != nil {
			s.sendFault(w, err)
			return
		}
	}

	children, err := s.store.ListChildren(r.Context(), identity, parentID)
	if err != nil {
		s.sendFault(w, err)
		return
	}
	if children == nil {
		children = []*item.Item{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"items": children})
}

// handleGetItem handles GET /api/v1/items/{id}. Public items resolve
// for anyone; private ones only for their owner.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())

	it, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendFault(w, err)
		return
	}
	if err := access.AssertReadable(it, identity); err != nil {
		s.sendFault(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, it)
}

// handleUpdateItem handles PUT /api/v1/items/{id}: rename and/or move.
func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())

	var req struct {
		Name     *string `json:"name"`
		ParentID *string `json:"parentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == nil && req.ParentID == nil {
		s.sendError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	it, err := s.pipeline.Update(r.Context(), r.PathValue("id"), identity,
		item.Patch{Name: req.Name, ParentID: req.ParentID})
	if err != nil {
		s.sendFault(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, it)
}

// handleSetVisibility handles PUT /api/v1/items/{id}/visibility for a
// single item; subtree changes go through the share endpoints.
func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())

	var req struct {
		Visibility item.Visibility `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Visibility != item.VisibilityPublic && req.Visibility != item.VisibilityPrivate {
		s.sendError(w, http.StatusBadRequest, "visibility must be public or private")
		return
	}

	it, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendFault(w, err)
		return
	}
	if err := access.SetVisibility(r.Context(), s.store, it, identity, req.Visibility); err != nil {
		s.sendFault(w, err)
		return
	}

	it.Visibility = req.Visibility
	s.sendJSON(w, http.StatusOK, it)
}

// handleDeleteItem handles DELETE /api/v1/items/{id}. Deleting a file
// removes its content and credits the quota. Deleting a folder
// requires it to be empty; wholesale subtree removal only happens in
// the admin account purge.
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	ctx := r.Context()

	it, err := s.store.Get(ctx, r.PathValue("id"))
	if err != nil {
		s.sendFault(w, err)
		return
	}

	if it.IsFolder() {
		children, err := s.store.ListChildren(ctx, it.OwnerID, it.ID)
		if err != nil {
			s.sendFault(w, err)
			return
		}
		if len(children) > 0 {
			s.sendError(w, http.StatusConflict, "folder is not empty")
			return
		}
	}

	if _, err := s.tree.DeleteSubtree(ctx, it, identity); err != nil {
		s.sendFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShare handles POST /api/v1/share/{folderID}: makes the item
// and every descendant public in one atomic batch.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	s.cascadeVisibility(w, r, item.VisibilityPublic)
}

// handleUnshare handles DELETE /api/v1/share/{folderID}: the reverse
// cascade.
func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	s.cascadeVisibility(w, r, item.VisibilityPrivate)
}

func (s *Server) cascadeVisibility(w http.ResponseWriter, r *http.Request, v item.Visibility) {
	identity := auth.Identity(r.Context())

	root, err := s.store.Get(r.Context(), r.PathValue("folderID"))
	if err != nil {
		s.sendFault(w, err)
		return
	}
	affected, err := s.tree.SetSubtreeVisibility(r.Context(), root, identity, v)
	if err != nil {
		s.sendFault(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"affected":   affected,
		"visibility": v,
	})
}

// handleUsage handles GET /api/v1/usage.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.GetAccount(r.Context(), auth.Identity(r.Context()))
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "not found")
			return
		}
		s.sendFault(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"usedSpace":    acct.UsedSpace,
		"storageLimit": acct.StorageLimit,
		"blocked":      acct.Blocked,
	})
}
