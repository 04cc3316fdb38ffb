package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/swarmguard/controlplane/internal/ctlerr"
)

const maxResponseBytes = 10 << 20 // 10MB, matching the teacher's HTTPPlugin response cap.

// HTTPHandler executes a task by issuing an HTTP request built from the
// task payload (a "METHOD url\nbody" convention). Grounded on the
// teacher's HTTPPlugin/HTTPTaskExecutor: pooled client, bounded response
// read. Transport errors and 5xx responses are classified transient; other
// non-2xx responses are classified permanent (the server has spoken
// authoritatively).
type HTTPHandler struct {
	client *http.Client
}

func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (h *HTTPHandler) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	method, url, body, err := parseHTTPPayload(payload)
	if err != nil {
		return nil, ctlerr.Malformed("invalid http task payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, ctlerr.HandlerPermanent(err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, ctlerr.HandlerTransient(err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, ctlerr.HandlerTransient(err)
	}
	if resp.StatusCode >= 500 {
		return nil, ctlerr.HandlerTransient(fmt.Errorf("http %d: %s", resp.StatusCode, data))
	}
	if resp.StatusCode >= 400 {
		return nil, ctlerr.HandlerPermanent(fmt.Errorf("http %d: %s", resp.StatusCode, data))
	}
	return data, nil
}

func parseHTTPPayload(payload []byte) (method, url string, body []byte, err error) {
	parts := strings.SplitN(string(payload), "\n", 2)
	head := strings.Fields(parts[0])
	if len(head) != 2 {
		return "", "", nil, fmt.Errorf("expected \"METHOD url\" on the first line")
	}
	method = head[0]
	url = head[1]
	if len(parts) == 2 {
		body = []byte(parts[1])
	}
	return method, url, body, nil
}

// defaultShellAllowlist mirrors the teacher's ShellPlugin whitelist: only
// commands with no plausible path to host compromise when run with a
// caller-controlled argument string.
var defaultShellAllowlist = map[string]bool{
	"echo": true,
	"cat":  true,
	"grep": true,
	"awk":  true,
	"sed":  true,
	"jq":   true,
}

// ShellHandler runs a whitelisted command, killing the process promptly on
// cancellation (spec §4.6: "handlers MUST honour cancellation promptly").
// The payload is the command line verbatim.
type ShellHandler struct {
	allowed map[string]bool
}

func NewShellHandler() *ShellHandler {
	return &ShellHandler{allowed: defaultShellAllowlist}
}

func (s *ShellHandler) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	fields := strings.Fields(string(payload))
	if len(fields) == 0 {
		return nil, ctlerr.Malformed("empty shell command", nil)
	}
	if !s.allowed[fields[0]] {
		return nil, ctlerr.HandlerPermanent(fmt.Errorf("command not allowed: %s", fields[0]))
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, ctlerr.HandlerTransient(err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, ctlerr.Timeout(ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, ctlerr.HandlerPermanent(fmt.Errorf("%w: %s", err, stderr.String()))
		}
		return stdout.Bytes(), nil
	}
}

// ScriptHandler is a placeholder matching the teacher's ScriptTaskExecutor
// stub: script execution sandboxing is a declared non-goal (spec §1,
// "pluggable worker sandboxing"), so this handler exists to make the
// "no-handler" boundary explicit for the "script" kind rather than silently
// missing it.
type ScriptHandler struct{}

func NewScriptHandler() *ScriptHandler { return &ScriptHandler{} }

func (ScriptHandler) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	return nil, ctlerr.HandlerPermanent(fmt.Errorf("script execution requires a sandboxed worker; not implemented by this handler"))
}
