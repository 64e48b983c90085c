package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jfreed-dev/reach/internal/pathpolicy"
	"github.com/jfreed-dev/reach/internal/protocol"
)

func handle(t *testing.T, d *Dispatcher, method string, params map[string]any) *protocol.Response {
	t.Helper()
	id := "test-req"
	resp := d.Handle(&protocol.Request{Method: method, Params: params, ID: &id})
	if resp.ID == nil || *resp.ID != id {
		t.Errorf("response id = %v, want %q", resp.ID, id)
	}
	return resp
}

func wantResult(t *testing.T, resp *protocol.Response) map[string]any {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %d %s", resp.Error.Code, resp.Error.Message)
	}
	m, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result is %T, want map", resp.Result)
	}
	return m
}

func wantError(t *testing.T, resp *protocol.Response, code int) *protocol.Error {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected error with code %d, got result %v", code, resp.Result)
	}
	if resp.Error.Code != code {
		t.Fatalf("error code = %d (%s), want %d", resp.Error.Code, resp.Error.Message, code)
	}
	return resp.Error
}

func openDispatcher() *Dispatcher {
	return NewDispatcher(pathpolicy.New(nil))
}

func TestUnknownMethod(t *testing.T) {
	resp := handle(t, openDispatcher(), "bogus_method", nil)
	e := wantError(t, resp, protocol.CodeMethodNotFound)
	if !strings.Contains(e.Message, "bogus_method") {
		t.Errorf("message %q should name the method", e.Message)
	}
}

func TestHeartbeat(t *testing.T) {
	result := wantResult(t, handle(t, openDispatcher(), protocol.MethodHeartbeat, nil))
	if result["status"] != "alive" {
		t.Errorf("heartbeat = %v", result)
	}
}

func TestRunCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell semantics differ on windows")
	}
	d := openDispatcher()

	result := wantResult(t, handle(t, d, protocol.MethodRunCommand, map[string]any{"cmd": "echo hi"}))
	if result["stdout"] != "hi\n" {
		t.Errorf("stdout = %q, want %q", result["stdout"], "hi\n")
	}
	if result["returncode"] != 0 {
		t.Errorf("returncode = %v, want 0", result["returncode"])
	}

	// A nonzero exit is a normal result, not an error response.
	result = wantResult(t, handle(t, d, protocol.MethodRunCommand, map[string]any{"cmd": "exit 3"}))
	if result["returncode"] != 3 {
		t.Errorf("returncode = %v, want 3", result["returncode"])
	}

	// stderr is captured separately.
	result = wantResult(t, handle(t, d, protocol.MethodRunCommand, map[string]any{"cmd": "echo oops >&2"}))
	if result["stderr"] != "oops\n" {
		t.Errorf("stderr = %q, want %q", result["stderr"], "oops\n")
	}
}

func TestRunCommandTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell semantics differ on windows")
	}
	start := time.Now()
	result := wantResult(t, handle(t, openDispatcher(), protocol.MethodRunCommand, map[string]any{
		"cmd":     "sleep 5",
		"timeout": float64(1),
	}))
	elapsed := time.Since(start)

	if result["returncode"] != -1 {
		t.Errorf("returncode = %v, want -1", result["returncode"])
	}
	if result["stderr"] != "Command timed out after 1 seconds" {
		t.Errorf("stderr = %q", result["stderr"])
	}
	if result["stdout"] != "" {
		t.Errorf("stdout = %q, want empty", result["stdout"])
	}
	if elapsed < time.Second || elapsed > 4*time.Second {
		t.Errorf("timed-out command took %v, want roughly the 1s deadline", elapsed)
	}
}

func TestRunCommandCwd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell semantics differ on windows")
	}
	root := t.TempDir()
	d := NewDispatcher(pathpolicy.New([]string{root}))

	result := wantResult(t, handle(t, d, protocol.MethodRunCommand, map[string]any{
		"cmd": "pwd",
		"cwd": root,
	}))
	resolved, _ := pathpolicy.ResolvePath(root)
	if got := strings.TrimSpace(result["stdout"].(string)); got != resolved {
		t.Errorf("pwd = %q, want %q", got, resolved)
	}

	resp := handle(t, d, protocol.MethodRunCommand, map[string]any{"cmd": "pwd", "cwd": "/etc"})
	wantError(t, resp, protocol.CodePathDenied)
}

func TestRunCommandMissingParam(t *testing.T) {
	resp := handle(t, openDispatcher(), protocol.MethodRunCommand, map[string]any{})
	e := wantError(t, resp, protocol.CodeInvalidParams)
	if e.Message != "Missing required parameter: 'cmd'" {
		t.Errorf("message = %q", e.Message)
	}

	resp = handle(t, openDispatcher(), protocol.MethodRunCommand, map[string]any{"cmd": 42})
	wantError(t, resp, protocol.CodeInvalidParams)
}

func TestReadFileErrors(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(pathpolicy.New([]string{root}))

	resp := handle(t, d, protocol.MethodReadFile, map[string]any{"path": filepath.Join(root, "missing.txt")})
	wantError(t, resp, protocol.CodeFileNotFound)

	resp = handle(t, d, protocol.MethodReadFile, map[string]any{"path": "/etc/passwd"})
	wantError(t, resp, protocol.CodePathDenied)

	resp = handle(t, d, protocol.MethodReadFile, map[string]any{"path": root})
	e := wantError(t, resp, protocol.CodeCommandFailed)
	if !strings.Contains(e.Message, "Not a file") {
		t.Errorf("message = %q", e.Message)
	}
}

func TestReadFileTooLarge(t *testing.T) {
	root := t.TempDir()
	big := filepath.Join(root, "big.bin")
	f, err := os.Create(big)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(maxReadSize + 1); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()

	d := NewDispatcher(pathpolicy.New([]string{root}))
	resp := handle(t, d, protocol.MethodReadFile, map[string]any{"path": big})
	e := wantError(t, resp, protocol.CodeCommandFailed)
	if !strings.Contains(e.Message, "File too large") {
		t.Errorf("message = %q", e.Message)
	}
}

func TestWriteReadTextFile(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(pathpolicy.New([]string{root}))
	path := filepath.Join(root, "nested", "dirs", "note.txt")

	result := wantResult(t, handle(t, d, protocol.MethodWriteFile, map[string]any{
		"path":    path,
		"content": "line one\nline two\n",
	}))
	if result["size"] != int64(18) {
		t.Errorf("size = %v (%T), want 18", result["size"], result["size"])
	}

	read := wantResult(t, handle(t, d, protocol.MethodReadFile, map[string]any{"path": path}))
	if read["content"] != "line one\nline two\n" {
		t.Errorf("content = %q", read["content"])
	}
	if _, hasBinary := read["binary"]; hasBinary {
		t.Error("text file should not carry the binary flag")
	}
}

func TestBinaryWrite(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(pathpolicy.New([]string{root}))
	path := filepath.Join(root, "hello.bin")

	// Base64 "SGVsbG8=" must land on disk as the literal bytes "Hello".
	wantResult(t, handle(t, d, protocol.MethodWriteFile, map[string]any{
		"path":    path,
		"content": "SGVsbG8=",
		"binary":  true,
	}))
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(onDisk) != "Hello" {
		t.Errorf("on disk = %q, want %q", onDisk, "Hello")
	}

	resp := handle(t, d, protocol.MethodWriteFile, map[string]any{
		"path":    path,
		"content": "not!base64!!",
		"binary":  true,
	})
	wantError(t, resp, protocol.CodeCommandFailed)
}

func TestBinaryReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	d := NewDispatcher(pathpolicy.New([]string{root}))
	path := filepath.Join(root, "blob.bin")

	// Invalid UTF-8 forces the base64 fallback on read.
	raw := "AAH+/0hlbGxv" // bytes 00 01 FE FF "Hello"
	wantResult(t, handle(t, d, protocol.MethodWriteFile, map[string]any{
		"path":    path,
		"content": raw,
		"binary":  true,
	}))

	read := wantResult(t, handle(t, d, protocol.MethodReadFile, map[string]any{"path": path}))
	if read["binary"] != true {
		t.Fatalf("binary flag missing: %v", read)
	}
	if read["content"] != raw {
		t.Errorf("content = %q, want %q", read["content"], raw)
	}
}

func TestListFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	d := NewDispatcher(pathpolicy.New([]string{root}))
	result := wantResult(t, handle(t, d, protocol.MethodListFiles, map[string]any{"path": root}))

	entries, ok := result["entries"].([]map[string]any)
	if !ok {
		t.Fatalf("entries is %T", result["entries"])
	}
	byName := map[string]map[string]any{}
	for _, e := range entries {
		byName[e["name"].(string)] = e
	}

	file := byName["a.txt"]
	if file == nil || file["type"] != "file" || file["size"] != int64(5) {
		t.Errorf("a.txt entry = %v", file)
	}
	if mode, _ := file["mode"].(string); !strings.HasPrefix(mode, "-") {
		t.Errorf("file mode = %q", mode)
	}
	dir := byName["sub"]
	if dir == nil || dir["type"] != "dir" || dir["size"] != int64(0) {
		t.Errorf("sub entry = %v", dir)
	}
}

func TestListFilesDegradedEntry(t *testing.T) {
	root := t.TempDir()
	if err := os.Symlink(filepath.Join(root, "nowhere"), filepath.Join(root, "dangling")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	d := NewDispatcher(pathpolicy.New([]string{root}))
	result := wantResult(t, handle(t, d, protocol.MethodListFiles, map[string]any{"path": root}))

	entries := result["entries"].([]map[string]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %v", entries)
	}
	e := entries[0]
	if e["name"] != "dangling" || e["type"] != "unknown" || e["error"] != "permission denied" {
		t.Errorf("degraded entry = %v", e)
	}
}

func TestListFilesErrors(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	d := NewDispatcher(pathpolicy.New([]string{root}))

	wantError(t, handle(t, d, protocol.MethodListFiles, map[string]any{"path": filepath.Join(root, "gone")}), protocol.CodeFileNotFound)
	wantError(t, handle(t, d, protocol.MethodListFiles, map[string]any{"path": file}), protocol.CodeCommandFailed)
}

func TestGetMetrics(t *testing.T) {
	d := openDispatcher()

	full := handle(t, d, protocol.MethodGetMetrics, nil)
	if full.Error != nil {
		t.Fatalf("get_metrics error: %v", full.Error)
	}
	raw, err := json.Marshal(full.Result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var snap map[string]any
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if host, _ := snap["hostname"].(string); host == "" {
		t.Errorf("snapshot missing hostname: %v", snap)
	}

	sum := handle(t, d, protocol.MethodGetMetrics, map[string]any{"summary": true})
	raw, err = json.Marshal(sum.Result)
	if err != nil {
		t.Fatalf("marshal summary: %v", err)
	}
	var reduced map[string]any
	if err := json.Unmarshal(raw, &reduced); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if _, ok := reduced["status"]; !ok {
		t.Errorf("summary missing status: %v", reduced)
	}
	if _, ok := reduced["collected_at"]; ok {
		t.Errorf("summary should be the reduced form: %v", reduced)
	}
}

func TestSSHSessionParamErrors(t *testing.T) {
	d := openDispatcher()

	wantError(t, handle(t, d, protocol.MethodSSHSessionOpen, map[string]any{"username": "u"}), protocol.CodeInvalidParams)

	// No credentials given never even dials; it is a parameter problem.
	resp := handle(t, d, protocol.MethodSSHSessionOpen, map[string]any{"host": "127.0.0.1", "username": "u"})
	wantError(t, resp, protocol.CodeInvalidParams)

	wantError(t, handle(t, d, protocol.MethodSSHSessionCommand, map[string]any{
		"session_id": "deadbeef",
		"command":    "ls",
	}), protocol.CodeInvalidParams)

	wantError(t, handle(t, d, protocol.MethodSSHSessionClose, map[string]any{
		"session_id": "deadbeef",
	}), protocol.CodeInvalidParams)
}

func TestSSHSessionListEmpty(t *testing.T) {
	result := wantResult(t, handle(t, openDispatcher(), protocol.MethodSSHSessionList, nil))
	if result["count"] != 0 {
		t.Errorf("count = %v", result["count"])
	}
	sessions, ok := result["sessions"].([]map[string]any)
	if !ok || len(sessions) != 0 {
		t.Errorf("sessions = %v", result["sessions"])
	}
}
