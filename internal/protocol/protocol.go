// Package protocol implements the length-prefixed JSON message framing
// spoken between the server and its agents over reverse tunnels. Every
// message is a 4-byte big-endian length followed by a UTF-8 JSON body.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message body. Large transfers go through
// the SFTP subsystem, not the RPC channel.
const MaxFrameSize = 64 << 20

var (
	ErrIncompleteHeader = errors.New("incomplete message header")
	ErrIncompleteBody   = errors.New("incomplete message body")
)

// Method names understood by agents.
const (
	MethodRunCommand        = "run_command"
	MethodReadFile          = "read_file"
	MethodWriteFile         = "write_file"
	MethodListFiles         = "list_files"
	MethodHeartbeat         = "heartbeat"
	MethodGetMetrics        = "get_metrics"
	MethodSSHSessionOpen    = "ssh_session_open"
	MethodSSHSessionCommand = "ssh_session_command"
	MethodSSHSessionClose   = "ssh_session_close"
	MethodSSHSessionList    = "ssh_session_list"
	MethodRegister          = "register"
)

// Error codes carried in Response.Error.
const (
	CodeCommandFailed  = -32000
	CodePathDenied     = -32001
	CodeFileNotFound   = -32002
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// Request is a method invocation. A nil ID marks the request as
// fire-and-forget: the receiver processes it but sends no response.
type Request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
	ID     *string        `json:"id"`
}

// Response carries exactly one of Result or Error, with ID echoing the
// request it answers.
type Response struct {
	ID     *string `json:"id"`
	Result any     `json:"result,omitempty"`
	Error  *Error  `json:"error,omitempty"`
}

// Error is the application-level error object inside a Response. It
// implements the error interface so callers can return it directly.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Result builds a success response echoing id.
func Result(id *string, v any) *Response {
	return &Response{ID: id, Result: v}
}

// Errorf builds an error response echoing id.
func Errorf(id *string, code int, format string, args ...any) *Response {
	return &Response{ID: id, Error: &Error{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Encode frames body with a 4-byte big-endian length prefix.
func Encode(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// Decode splits one framed message off the front of buf, returning the
// message body and the unconsumed remainder. A short buffer reports
// ErrIncompleteHeader or ErrIncompleteBody and leaves buf intact so the
// caller can retry after reading more bytes.
func Decode(buf []byte) (body, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, buf, ErrIncompleteHeader
	}
	n := binary.BigEndian.Uint32(buf)
	if n > MaxFrameSize {
		return nil, buf, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	if len(buf)-4 < int(n) {
		return nil, buf, ErrIncompleteBody
	}
	return buf[4 : 4+n], buf[4+n:], nil
}

// ReadFrame reads one framed message body from r. A clean EOF before the
// first header byte is returned as io.EOF; EOF inside the header or body
// reports the matching incomplete-message error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrIncompleteHeader
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrIncompleteBody
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame frames body and writes it to w.
func WriteFrame(w io.Writer, body []byte) error {
	_, err := w.Write(Encode(body))
	return err
}

// EncodeRequest marshals and frames req.
func EncodeRequest(req *Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return Encode(body), nil
}

// EncodeResponse marshals and frames resp.
func EncodeResponse(resp *Response) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return Encode(body), nil
}

// ParseRequest unmarshals a message body into a Request. Absent params
// decode to an empty map so handlers never see nil.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return &req, nil
}

// ParseResponse unmarshals a message body into a Response.
func ParseResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}
