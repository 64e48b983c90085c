package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"
)

func TestEncodeLayout(t *testing.T) {
	got := Encode([]byte("hello"))
	want := []byte("\x00\x00\x00\x05hello")
	if !bytes.Equal(got, want) {
		t.Errorf("Encode(hello) = %q, want %q", got, want)
	}
	if len(Encode(nil)) != 4 {
		t.Errorf("Encode(nil) should be a bare 4-byte header")
	}
}

func TestDecodeSplitsFrames(t *testing.T) {
	joined := append(Encode([]byte(`{"a":1}`)), Encode([]byte(`{"b":2}`))...)

	first, rest, err := Decode(joined)
	if err != nil {
		t.Fatalf("Decode first: %v", err)
	}
	if string(first) != `{"a":1}` {
		t.Errorf("first = %q", first)
	}

	second, rest, err := Decode(rest)
	if err != nil {
		t.Fatalf("Decode second: %v", err)
	}
	if string(second) != `{"b":2}` {
		t.Errorf("second = %q", second)
	}
	if len(rest) != 0 {
		t.Errorf("trailing bytes after second frame: %q", rest)
	}
}

func TestDecodeIncomplete(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, ErrIncompleteHeader},
		{"short header", []byte{0, 0, 0}, ErrIncompleteHeader},
		{"short body", []byte("\x00\x00\x00\x0ahello"), ErrIncompleteBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rest, err := Decode(tt.buf)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode(%q) err = %v, want %v", tt.buf, err, tt.want)
			}
			if !bytes.Equal(rest, tt.buf) {
				t.Errorf("Decode should leave a short buffer intact, got %q", rest)
			}
		})
	}
}

func TestRequestRoundTrip(t *testing.T) {
	id := "req-1"
	frame, err := EncodeRequest(&Request{
		Method: MethodRunCommand,
		Params: map[string]any{"cmd": "uptime", "timeout": float64(30)},
		ID:     &id,
	})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	body, rest, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("unexpected trailing bytes: %q", rest)
	}

	req, err := ParseRequest(body)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Method != MethodRunCommand {
		t.Errorf("method = %q", req.Method)
	}
	if req.ID == nil || *req.ID != id {
		t.Errorf("id = %v, want %q", req.ID, id)
	}
	if req.Params["cmd"] != "uptime" || req.Params["timeout"] != float64(30) {
		t.Errorf("params = %v", req.Params)
	}
}

func TestRequestDefaultParams(t *testing.T) {
	req, err := ParseRequest([]byte(`{"method":"heartbeat","id":"7"}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Params == nil || len(req.Params) != 0 {
		t.Errorf("absent params should decode to an empty map, got %v", req.Params)
	}

	fire, err := ParseRequest([]byte(`{"method":"heartbeat","params":{},"id":null}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if fire.ID != nil {
		t.Errorf("null id should decode to nil, got %v", fire.ID)
	}
}

func TestResponseShapes(t *testing.T) {
	id := "r-9"

	ok, err := json.Marshal(Result(&id, map[string]any{"status": "alive"}))
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var okKeys map[string]json.RawMessage
	if err := json.Unmarshal(ok, &okKeys); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := okKeys["error"]; present {
		t.Errorf("success response must not carry an error key: %s", ok)
	}
	if _, present := okKeys["result"]; !present {
		t.Errorf("success response missing result: %s", ok)
	}

	bad, err := json.Marshal(Errorf(&id, CodePathDenied, "path not allowed: %s", "/etc"))
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var badKeys map[string]json.RawMessage
	if err := json.Unmarshal(bad, &badKeys); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := badKeys["result"]; present {
		t.Errorf("error response must not carry a result key: %s", bad)
	}

	resp, err := ParseResponse(bad)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodePathDenied {
		t.Fatalf("error = %+v", resp.Error)
	}
	if resp.Error.Message != "path not allowed: /etc" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode([]byte("one")))
	buf.Write(Encode([]byte("two")))

	first, err := ReadFrame(&buf)
	if err != nil || string(first) != "one" {
		t.Fatalf("ReadFrame = %q, %v", first, err)
	}
	second, err := ReadFrame(&buf)
	if err != nil || string(second) != "two" {
		t.Fatalf("ReadFrame = %q, %v", second, err)
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("exhausted reader should return io.EOF, got %v", err)
	}

	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0})); !errors.Is(err, ErrIncompleteHeader) {
		t.Errorf("torn header err = %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte("\x00\x00\x00\x0ahi"))); !errors.Is(err, ErrIncompleteBody) {
		t.Errorf("torn body err = %v", err)
	}
}
