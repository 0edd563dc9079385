package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/justfiles/justfiles/internal/auth"
	"github.com/justfiles/justfiles/internal/item"
	"github.com/justfiles/justfiles/internal/logging"
	"github.com/justfiles/justfiles/internal/sandbox"
)

// Extension allow and deny lists for uploads. The deny list wins;
// anything not on the allow list is rejected too, since MIME types
// are client-controlled.
var (
	allowedExtensions = map[string]bool{
		"pdf": true, "jpg": true, "jpeg": true, "png": true, "gif": true,
		"webp": true, "svg": true, "doc": true, "docx": true, "xls": true,
		"xlsx": true, "ppt": true, "pptx": true, "txt": true, "zip": true,
		"rar": true,
	}
	forbiddenExtensions = map[string]bool{
		"exe": true, "bat": true, "sh": true, "cmd": true, "scr": true,
		"msi": true, "app": true, "dmg": true,
	}
)

func checkExtension(name string) error {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if forbiddenExtensions[ext] {
		return fmt.Errorf("extension .%s is not permitted", ext)
	}
	if ext != "" && !allowedExtensions[ext] {
		return fmt.Errorf("file type not permitted: .%s", ext)
	}
	return nil
}

// handleUpload handles POST /api/v1/upload: a multipart form with one
// or more "files" parts and an optional "parent" field. The parent
// field must precede the file parts; the form is consumed as a
// stream.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	if identity == "" {
		s.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	maxFiles := s.config.MaxFilesPerUpload
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxFiles)*s.config.MaxUploadSize)

	reader, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	parentID := item.RootParent
	var uploaded []*item.Item
	files := 0
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}

		if part.FormName() == "parent" {
			b, _ := io.ReadAll(io.LimitReader(part, 256))
			if v := strings.TrimSpace(string(b)); v != "" {
				parentID = v
			}
			part.Close()
			continue
		}
		if part.FormName() != "files" || part.FileName() == "" {
			part.Close()
			continue
		}

		files++
		if files > maxFiles {
			part.Close()
			s.sendError(w, http.StatusBadRequest,
				fmt.Sprintf("at most %d files per upload", maxFiles))
			return
		}
		if err := checkExtension(part.FileName()); err != nil {
			part.Close()
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}

		limited := http.MaxBytesReader(w, part, s.config.MaxUploadSize)
		it, err := s.pipeline.Upload(r.Context(), identity, parentID, part.FileName(), limited)
		part.Close()
		if err != nil {
			s.sendFault(w, err)
			return
		}
		uploaded = append(uploaded, it)
	}

	if len(uploaded) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files in request")
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]interface{}{
		"items": uploaded,
	})
}

// handleDownload handles GET /api/v1/download/{itemID}.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveContent(w, r, r.PathValue("itemID"), "attachment")
}

// handlePreview handles GET /api/v1/preview/{itemID}. Same checks as
// download, rendered inline; tokens arrive via ?token= for browser
// img/iframe elements.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.serveContent(w, r, r.PathValue("itemID"), "inline")
}

func (s *Server) serveContent(w http.ResponseWriter, r *http.Request, id, disposition string) {
	identity := auth.Identity(r.Context())

	it, rc, size, err := s.pipeline.Download(r.Context(), id, identity)
	if err != nil {
		s.sendFault(w, err)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(it.Name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`%s; filename*=UTF-8''%s`, disposition, url.PathEscape(it.Name)))

	if _, err := io.Copy(w, rc); err != nil {
		logging.Debug("download aborted", zap.String("item_id", it.ID), zap.Error(err))
	}
}

// handleExport handles GET /api/v1/export/{folderID}: the folder as a
// zip stream. Planning happens before the status line is written, so
// empty or inaccessible folders still get a clean error response.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())

	root, err := s.store.Get(r.Context(), r.PathValue("folderID"))
	if err != nil {
		s.sendFault(w, err)
		return
	}
	plan, err := s.tree.PlanArchive(r.Context(), root, identity)
	if err != nil {
		s.sendFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename*=UTF-8''%s.zip`, url.PathEscape(sandbox.CleanName(root.Name))))

	if err := s.tree.WriteArchive(r.Context(), w, plan); err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		logging.Error("archive stream failed",
			zap.String("folder_id", root.ID), zap.Error(err))
	}
}
