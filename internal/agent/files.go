package agent

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/jfreed-dev/reach/internal/protocol"
)

// maxReadSize caps read_file payloads. Bigger files go through the SFTP
// subsystem, which streams instead of buffering into one frame.
const maxReadSize = 10 << 20

func (d *Dispatcher) readFile(params map[string]any) (any, error) {
	rawPath, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	if _, err := optionalString(params, "encoding", "utf-8"); err != nil {
		return nil, err
	}

	path, err := d.policy.Validate(rawPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failf(protocol.CodeFileNotFound, "File not found: %s", path)
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, failf(protocol.CodeCommandFailed, "Not a file: %s", path)
	}
	if info.Size() > maxReadSize {
		return nil, failf(protocol.CodeCommandFailed, "File too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if utf8.Valid(data) {
		return map[string]any{
			"content": string(data),
			"size":    info.Size(),
			"path":    path,
		}, nil
	}
	return map[string]any{
		"content": base64.StdEncoding.EncodeToString(data),
		"size":    info.Size(),
		"path":    path,
		"binary":  true,
	}, nil
}

func (d *Dispatcher) writeFile(params map[string]any) (any, error) {
	rawPath, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringParam(params, "content")
	if err != nil {
		return nil, err
	}
	binary, err := boolParam(params, "binary", false)
	if err != nil {
		return nil, err
	}

	path, err := d.policy.Validate(rawPath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	data := []byte(content)
	if binary {
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, failf(protocol.CodeCommandFailed, "invalid base64 content: %v", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "size": info.Size()}, nil
}

func (d *Dispatcher) listFiles(params map[string]any) (any, error) {
	rawPath, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}

	path, err := d.policy.Validate(rawPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failf(protocol.CodeFileNotFound, "Directory not found: %s", path)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, failf(protocol.CodeCommandFailed, "Not a directory: %s", path)
	}

	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0, len(dirents))
	for _, entry := range dirents {
		// Stat follows symlinks so linked directories list as dirs; an
		// unreadable or dangling entry degrades to unknown instead of
		// failing the whole listing.
		st, err := os.Stat(filepath.Join(path, entry.Name()))
		if err != nil {
			entries = append(entries, map[string]any{
				"name":  entry.Name(),
				"type":  "unknown",
				"error": "permission denied",
			})
			continue
		}

		entryType := "file"
		var size int64
		if st.IsDir() {
			entryType = "dir"
		} else {
			size = st.Size()
		}
		entries = append(entries, map[string]any{
			"name":  entry.Name(),
			"type":  entryType,
			"size":  size,
			"mode":  st.Mode().String(),
			"mtime": st.ModTime().Unix(),
		})
	}

	return map[string]any{"path": path, "entries": entries}, nil
}
