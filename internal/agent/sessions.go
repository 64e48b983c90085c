package agent

import (
	"log"
	"time"

	"github.com/jfreed-dev/reach/internal/sshsession"
)

func (d *Dispatcher) sshSessionOpen(params map[string]any) (any, error) {
	host, err := stringParam(params, "host")
	if err != nil {
		return nil, err
	}
	username, err := stringParam(params, "username")
	if err != nil {
		return nil, err
	}
	password, err := optionalString(params, "password", "")
	if err != nil {
		return nil, err
	}
	keyFile, err := optionalString(params, "key_file", "")
	if err != nil {
		return nil, err
	}
	port, err := numberParam(params, "port", 22)
	if err != nil {
		return nil, err
	}

	log.Printf("[agent] opening ssh session to %s@%s:%d", username, host, int(port))

	s, initial, err := d.sessions.Open(host, username, sshsession.OpenOptions{
		Password: password,
		KeyFile:  keyFile,
		Port:     int(port),
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"session_id":     s.ID,
		"host":           s.Host,
		"port":           s.Port,
		"username":       s.Username,
		"initial_output": initial,
	}, nil
}

func (d *Dispatcher) sshSessionCommand(params map[string]any) (any, error) {
	sessionID, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}
	command, err := stringParam(params, "command")
	if err != nil {
		return nil, err
	}
	timeout, err := numberParam(params, "timeout", DefaultCommandTimeout)
	if err != nil {
		return nil, err
	}

	stdout, err := d.sessions.Command(sessionID, command, secondsToDuration(timeout))
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sessionID, "stdout": stdout}, nil
}

func (d *Dispatcher) sshSessionClose(params map[string]any) (any, error) {
	sessionID, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}
	s, err := d.sessions.Close(sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": sessionID,
		"closed":     true,
		"host":       s.Host,
	}, nil
}

func (d *Dispatcher) sshSessionList() (any, error) {
	sessions := d.sessions.List()
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{
			"session_id": s.ID,
			"host":       s.Host,
			"port":       s.Port,
			"username":   s.Username,
			"created_at": s.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"sessions": out, "count": len(out)}, nil
}
