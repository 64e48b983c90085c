package protocol

import (
	"encoding/json"
	"fmt"
)

// RegisterRequestName is the SSH global request carrying a registration.
// Its payload is a bare JSON Request (no length prefix; the SSH packet
// already delimits it), and the reply payload is a bare JSON Response.
const RegisterRequestName = "register@reach.dev"

// Identity is the durable half of a registration payload. The uuid is
// empty on an agent's very first registration; the server issues one and
// the agent persists it for all future connections.
type Identity struct {
	UUID                 string   `json:"uuid"`
	DisplayName          string   `json:"display_name"`
	Purpose              string   `json:"purpose,omitempty"`
	Tags                 []string `json:"tags,omitempty"`
	Capabilities         []string `json:"capabilities,omitempty"`
	PublicKeyFingerprint string   `json:"public_key_fingerprint,omitempty"`
}

// ClientInfo is the per-session half of a registration payload. The
// tunnel port is filled in by the SSH gateway, never by the agent.
type ClientInfo struct {
	ClientID   string `json:"client_id"`
	Hostname   string `json:"hostname"`
	Platform   string `json:"platform"`
	Username   string `json:"username"`
	TunnelPort int    `json:"tunnel_port"`
}

// RegisterParams is the params object of a register request.
type RegisterParams struct {
	Identity   Identity   `json:"identity"`
	ClientInfo ClientInfo `json:"client_info"`
}

// RegisterResult is the result object of a successful registration. The
// registered field carries the canonical uuid, which may differ from the
// one the agent sent (empty uuid, or a server-side rename).
type RegisterResult struct {
	Registered  string `json:"registered"`
	DisplayName string `json:"display_name"`
}

// EncodeRegisterRequest marshals a register request for an SSH global
// request payload.
func EncodeRegisterRequest(params RegisterParams, id string) ([]byte, error) {
	body, err := json.Marshal(struct {
		Method string         `json:"method"`
		Params RegisterParams `json:"params"`
		ID     *string        `json:"id"`
	}{MethodRegister, params, &id})
	if err != nil {
		return nil, fmt.Errorf("marshal register request: %w", err)
	}
	return body, nil
}

// DecodeRegisterParams converts a parsed request's params into a typed
// RegisterParams.
func DecodeRegisterParams(params map[string]any) (*RegisterParams, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal register params: %w", err)
	}
	var rp RegisterParams
	if err := json.Unmarshal(raw, &rp); err != nil {
		return nil, fmt.Errorf("parse register params: %w", err)
	}
	return &rp, nil
}
