package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/jfreed-dev/reach/internal/protocol"
)

// InternalRegister is the HTTP face of client registration. The SSH
// gateway hands registrations to the registry in-process; this hook
// exists for external tooling and keeps the legacy loopback contract.
func InternalRegister(w http.ResponseWriter, r *http.Request) {
	var params protocol.RegisterParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid registration payload")
		return
	}

	client, err := Reg.Register(&params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, protocol.RegisterResult{
		Registered:  client.UUID,
		DisplayName: client.DisplayName,
	})
}
