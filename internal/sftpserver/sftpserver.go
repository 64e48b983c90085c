// Package sftpserver exposes the agent's filesystem over SFTP, with
// every path gated by the configured allow-list. It backs the sftp
// subsystem the server drives through the reverse tunnel for streaming
// transfers too large for the RPC channel.
package sftpserver

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"

	"github.com/jfreed-dev/reach/internal/pathpolicy"
)

// Serve runs an SFTP request server on rwc until the peer disconnects.
// A clean EOF is not reported as an error.
func Serve(rwc io.ReadWriteCloser, policy *pathpolicy.Policy) error {
	server := sftp.NewRequestServer(rwc, NewHandlers(policy))
	defer server.Close()
	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// NewHandlers returns the handler set enforcing policy on every request.
func NewHandlers(policy *pathpolicy.Policy) sftp.Handlers {
	r := &root{policy: policy}
	return sftp.Handlers{FileGet: r, FilePut: r, FileCmd: r, FileList: r}
}

type root struct {
	policy *pathpolicy.Policy
}

// resolve validates a request path, mapping allow-list rejections to the
// permission-denied status the SFTP layer understands.
func (r *root) resolve(path string) (string, error) {
	resolved, err := r.policy.Validate(path)
	if err != nil {
		if errors.Is(err, pathpolicy.ErrDenied) {
			return "", os.ErrPermission
		}
		return "", err
	}
	return resolved, nil
}

func (r *root) Fileread(req *sftp.Request) (io.ReaderAt, error) {
	path, err := r.resolve(req.Filepath)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (r *root) Filewrite(req *sftp.Request) (io.WriterAt, error) {
	return r.openForWrite(req, os.O_WRONLY)
}

// OpenFile handles read-write opens so clients that open RDWR can still
// write through the handle.
func (r *root) OpenFile(req *sftp.Request) (sftp.WriterAtReaderAt, error) {
	return r.openForWrite(req, os.O_RDWR)
}

func (r *root) openForWrite(req *sftp.Request, access int) (*os.File, error) {
	path, err := r.resolve(req.Filepath)
	if err != nil {
		return nil, err
	}

	pflags := req.Pflags()
	flags := access
	if pflags.Creat {
		flags |= os.O_CREATE
	}
	if pflags.Trunc {
		flags |= os.O_TRUNC
	}
	if pflags.Excl {
		flags |= os.O_EXCL
	}
	// Appends arrive as offset writes at EOF, so O_APPEND is never set;
	// os.File.WriteAt rejects files opened with it.

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, flags, 0o644)
}

func (r *root) Filecmd(req *sftp.Request) error {
	path, err := r.resolve(req.Filepath)
	if err != nil {
		return err
	}

	switch req.Method {
	case "Rename", "PosixRename":
		target, err := r.resolve(req.Target)
		if err != nil {
			return err
		}
		return os.Rename(path, target)
	case "Remove", "Rmdir":
		return os.Remove(path)
	case "Mkdir":
		mode := os.FileMode(0o755)
		if attrs := req.Attributes(); req.AttrFlags().Permissions && attrs.Mode&0o777 != 0 {
			mode = os.FileMode(attrs.Mode & 0o777)
		}
		return os.Mkdir(path, mode)
	case "Setstat":
		return r.setstat(req, path)
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func (r *root) setstat(req *sftp.Request, path string) error {
	attrs := req.Attributes()
	flags := req.AttrFlags()
	if flags.Permissions {
		if err := os.Chmod(path, os.FileMode(attrs.Mode&0o777)); err != nil {
			return err
		}
	}
	if flags.Size {
		if err := os.Truncate(path, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if flags.Acmodtime {
		atime := time.Unix(int64(attrs.Atime), 0)
		mtime := time.Unix(int64(attrs.Mtime), 0)
		if err := os.Chtimes(path, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}

func (r *root) Filelist(req *sftp.Request) (sftp.ListerAt, error) {
	path, err := r.resolve(req.Filepath)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case "List":
		entries, err := os.ReadDir(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			// Listing a non-directory or an unreadable one both surface
			// as permission problems, matching the stat-then-fail flow
			// clients expect.
			return nil, os.ErrPermission
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			infos = append(infos, info)
		}
		return listerAt(infos), nil
	case "Stat":
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		return listerAt{info}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// Lstat keeps symlink entries visible as links instead of following them.
func (r *root) Lstat(req *sftp.Request) (sftp.ListerAt, error) {
	path, err := r.resolve(req.Filepath)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	return listerAt{info}, nil
}

// RealPath resolves paths for canonicalize requests. Denied paths still
// resolve: the client may navigate anywhere and only fails, with a clear
// error, once it touches something outside the allow-list.
func (r *root) RealPath(path string) string {
	resolved, err := pathpolicy.ResolvePath(path)
	if err != nil {
		if abs, absErr := filepath.Abs(path); absErr == nil {
			return filepath.Clean(abs)
		}
		return filepath.Clean(path)
	}
	return resolved
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}
