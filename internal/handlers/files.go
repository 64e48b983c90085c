package handlers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jfreed-dev/reach/internal/events"
	"github.com/jfreed-dev/reach/internal/pool"
	"github.com/jfreed-dev/reach/internal/protocol"
)

// ListClientFiles proxies a directory listing to the client's agent. The
// agent enforces its path allow-list, so a path outside it comes back as
// a 403 rather than a listing.
func ListClientFiles(w http.ResponseWriter, r *http.Request) {
	c, ok := requireClient(w, r)
	if !ok {
		return
	}

	dirPath := r.URL.Query().Get("path")
	if dirPath == "" {
		writeError(w, http.StatusBadRequest, "path parameter required")
		return
	}

	result, ok := callAgent(w, r, c.UUID, protocol.MethodListFiles, map[string]any{"path": dirPath})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PreviewFile fetches a file over the tunnel RPC and decorates the
// result with a MIME type guessed from the extension. Binary files come
// back base64-encoded with binary=true set by the agent.
func PreviewFile(w http.ResponseWriter, r *http.Request) {
	c, ok := requireClient(w, r)
	if !ok {
		return
	}

	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "path parameter required")
		return
	}

	result, ok := callAgent(w, r, c.UUID, protocol.MethodReadFile, map[string]any{"path": filePath})
	if !ok {
		return
	}

	mimeType := "text/plain"
	if binary, _ := result["binary"].(bool); binary {
		mimeType = "application/octet-stream"
	} else if byExt := mime.TypeByExtension(path.Ext(filePath)); byExt != "" {
		mimeType = byExt
	}
	result["mime_type"] = mimeType

	fileAccessed(c.UUID, c.DisplayName, filePath, "preview")
	writeJSON(w, http.StatusOK, result)
}

// DownloadFile streams a file through the SFTP side of the tunnel, which
// avoids buffering large files into a single RPC frame.
func DownloadFile(w http.ResponseWriter, r *http.Request) {
	c, ok := requireClient(w, r)
	if !ok {
		return
	}

	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "path parameter required")
		return
	}

	sess, err := Conns.SFTP(r.Context(), c.UUID)
	if err != nil {
		if errors.Is(err, pool.ErrNoConnection) {
			writeError(w, http.StatusServiceUnavailable, "Client offline")
		} else {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}
	defer sess.Close()

	f, err := sess.Open(filePath)
	if err != nil {
		writeSFTPError(w, filePath, err)
		return
	}
	defer f.Close()

	fileAccessed(c.UUID, c.DisplayName, filePath, "download")

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, path.Base(filePath)))
	start := time.Now()
	n, err := f.WriteTo(w)
	if err != nil {
		// Headers are gone; all we can do is log the truncation.
		log.Printf("[files] download %s from %s aborted after %d bytes: %v", filePath, c.UUID, n, err)
		return
	}
	log.Printf("[files] download %s from %s: %d bytes in %s", filePath, c.UUID, n, time.Since(start))
}

// UploadFile writes a multipart upload to the client over SFTP. The
// target directory comes from the path query param; passing a full file
// path instead overrides the upload's filename.
func UploadFile(w http.ResponseWriter, r *http.Request) {
	c, ok := requireClient(w, r)
	if !ok {
		return
	}

	dirPath := r.URL.Query().Get("path")
	if dirPath == "" {
		writeError(w, http.StatusBadRequest, "path parameter required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	fullPath := path.Join(dirPath, header.Filename)
	if strings.HasSuffix(dirPath, header.Filename) {
		fullPath = dirPath
	}

	sess, err := Conns.SFTP(r.Context(), c.UUID)
	if err != nil {
		if errors.Is(err, pool.ErrNoConnection) {
			writeError(w, http.StatusServiceUnavailable, "Client offline")
		} else {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}
	defer sess.Close()

	if err := sess.MkdirAll(path.Dir(fullPath)); err != nil {
		log.Printf("[files] mkdir %s on %s: %v", path.Dir(fullPath), c.UUID, err)
	}

	f, err := sess.Create(fullPath)
	if err != nil {
		writeSFTPError(w, fullPath, err)
		return
	}

	n, err := io.Copy(f, file)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to upload file: %v", err))
		return
	}

	log.Printf("[files] upload %s to %s: %d bytes", fullPath, c.UUID, n)
	fileAccessed(c.UUID, c.DisplayName, fullPath, "upload")

	writeJSON(w, http.StatusOK, map[string]any{
		"path":     fullPath,
		"size":     n,
		"filename": header.Filename,
	})
}

// writeSFTPError maps SFTP status errors onto the HTTP statuses the rest
// of the file API uses. The agent's SFTP subsystem reports allow-list
// denials as permission errors.
func writeSFTPError(w http.ResponseWriter, filePath string, err error) {
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "File not found: "+filePath)
	case errors.Is(err, os.ErrPermission):
		writeError(w, http.StatusForbidden, "Path not allowed: "+filePath)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func fileAccessed(clientUUID, clientName, filePath, operation string) {
	Events.Add(events.TypeFileAccessed, clientUUID, clientName,
		"Accessed: "+filePath,
		map[string]any{"path": filePath, "operation": operation})
}
