package e2b

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kballard/go-shellquote"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

// envd exposes processes over the Connect protocol. A streaming call is a
// sequence of envelopes: one flag byte, a big-endian uint32 length, then a
// JSON message. The final envelope carries flagEndStream.
const (
	startProcedure = "/process.Process/Start"
	connectJSON    = "application/connect+json"
	flagEndStream  = 0x02
	maxEnvelope    = 32 << 20
)

type processConfig struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args"`
	Envs map[string]string `json:"envs,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
}

type startRequest struct {
	Process processConfig `json:"process"`
}

type processEvent struct {
	Event struct {
		Start *struct {
			PID int `json:"pid"`
		} `json:"start"`
		Data *struct {
			Stdout []byte `json:"stdout"`
			Stderr []byte `json:"stderr"`
		} `json:"data"`
		End *struct {
			ExitCode int    `json:"exitCode"`
			Exited   bool   `json:"exited"`
			Status   string `json:"status"`
			Error    string `json:"error"`
		} `json:"end"`
	} `json:"event"`
}

type endStream struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Exec runs argv through a login shell and collects its output. The stream
// stays open for the whole process, so only ctx bounds it.
func (h *Handle) Exec(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	if len(req.Argv) == 0 {
		return nil, errors.New("empty command")
	}

	body, err := json.Marshal(startRequest{Process: processConfig{
		Cmd:  "/bin/bash",
		Args: []string{"-l", "-c", shellquote.Join(req.Argv...)},
		Envs: req.Env,
		Cwd:  req.Cwd,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal process request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.envdURL()+startProcedure, bytes.NewReader(envelope(0, body)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", connectJSON)
	httpReq.Header.Set("Connect-Protocol-Version", "1")
	h.authorize(httpReq)

	resp, err := h.backend.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("envd process: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("envd process failed (status %d): %s", resp.StatusCode, string(data))
	}
	res, err := readProcessStream(bufio.NewReader(resp.Body))
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("envd process: %w", ctx.Err())
	}
	return res, err
}

func readProcessStream(r io.Reader) (*sandbox.ExecResult, error) {
	var stdout, stderr bytes.Buffer
	result := &sandbox.ExecResult{ExitCode: -1}
	ended := false

	for {
		flags, payload, err := readEnvelope(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if flags&flagEndStream != 0 {
			var end endStream
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &end); err != nil {
					return nil, fmt.Errorf("decode end of stream: %w", err)
				}
			}
			if end.Error != nil {
				return nil, fmt.Errorf("envd process: %s: %s", end.Error.Code, end.Error.Message)
			}
			break
		}

		var ev processEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode process event: %w", err)
		}
		switch {
		case ev.Event.Data != nil:
			stdout.Write(ev.Event.Data.Stdout)
			stderr.Write(ev.Event.Data.Stderr)
		case ev.Event.End != nil:
			ended = true
			result.ExitCode = ev.Event.End.ExitCode
			if ev.Event.End.Error != "" && stderr.Len() == 0 {
				stderr.WriteString(ev.Event.End.Error)
			}
		}
	}

	if !ended {
		return nil, errors.New("envd process stream ended without an exit status")
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

func envelope(flags byte, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = flags
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

func readEnvelope(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("truncated envelope header: %w", err)
		}
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(header[1:])
	if n > maxEnvelope {
		return 0, nil, fmt.Errorf("envelope of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("truncated envelope: %w", err)
	}
	return header[0], payload, nil
}
