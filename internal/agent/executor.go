package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"

	"github.com/overcast-hq/overcast/internal/control"
)

const (
	defaultCommandTimeout = 60 * time.Second
	maxCommandTimeout     = 10 * time.Minute
	// maxDownloadSize bounds what the control plane will carry inline;
	// anything bigger belongs on the data plane.
	maxDownloadSize = 8 << 20
)

// Executor runs server-issued operations on the host.
type Executor struct {
	agentVersion string
}

func NewExecutor(agentVersion string) *Executor {
	return &Executor{agentVersion: agentVersion}
}

// Execute dispatches one request envelope and returns the response payload.
func (e *Executor) Execute(ctx context.Context, msgType control.MessageType, payload json.RawMessage) (json.RawMessage, error) {
	switch msgType {
	case control.MsgExecuteCommand:
		return e.executeCommand(ctx, payload)
	case control.MsgExecuteScript:
		return e.executeScript(ctx, payload)
	case control.MsgCheckUpdate:
		return e.checkUpdate()
	case control.MsgListFiles:
		return e.listFiles(payload)
	case control.MsgDownloadFile:
		return e.downloadFile(payload)
	case control.MsgUploadFile:
		return e.uploadFile(payload)
	case control.MsgCollectDiag:
		return e.collectDiagnostics()
	default:
		return nil, fmt.Errorf("unsupported request type %q", msgType)
	}
}

type commandResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}

func shell() (string, string) {
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "sh", "-c"
}

func (e *Executor) executeCommand(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeoutSeconds"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode command payload: %w", err)
	}
	if req.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	sh, flag := shell()
	return e.run(ctx, timeoutFor(req.TimeoutSeconds), sh, flag, req.Command)
}

func (e *Executor) executeScript(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Script         string `json:"script"`
		Interpreter    string `json:"interpreter"`
		TimeoutSeconds int    `json:"timeoutSeconds"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode script payload: %w", err)
	}
	if req.Script == "" {
		return nil, fmt.Errorf("script is required")
	}

	ext := ".sh"
	interpreter := req.Interpreter
	if interpreter == "" {
		interpreter, _ = shell()
	}
	if runtime.GOOS == "windows" {
		ext = ".bat"
	}

	tmp, err := os.CreateTemp("", "overcast-script-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create script file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(req.Script); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write script file: %w", err)
	}
	tmp.Close()
	if err := os.Chmod(tmp.Name(), 0o700); err != nil {
		return nil, fmt.Errorf("chmod script file: %w", err)
	}

	return e.run(ctx, timeoutFor(req.TimeoutSeconds), interpreter, tmp.Name())
}

func timeoutFor(seconds int) time.Duration {
	timeout := time.Duration(seconds) * time.Second
	if timeout <= 0 {
		return defaultCommandTimeout
	}
	if timeout > maxCommandTimeout {
		return maxCommandTimeout
	}
	return timeout
}

func (e *Executor) run(ctx context.Context, timeout time.Duration, name string, args ...string) (json.RawMessage, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	output, err := cmd.CombinedOutput()

	result := commandResult{Output: string(output)}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return json.Marshal(result)
}

func (e *Executor) checkUpdate() (json.RawMessage, error) {
	// Version comparison against a release feed is handled server side;
	// the agent just reports what it runs.
	return json.Marshal(map[string]any{
		"currentVersion":  e.agentVersion,
		"updateAvailable": false,
	})
}

type fileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

func (e *Executor) listFiles(payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode list payload: %w", err)
	}

	entries, err := os.ReadDir(req.Path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", req.Path, err)
	}

	out := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{
			Name:    entry.Name(),
			Size:    info.Size(),
			IsDir:   entry.IsDir(),
			ModTime: info.ModTime().UTC(),
		})
	}
	return json.Marshal(map[string]any{"path": req.Path, "entries": out})
}

func (e *Executor) downloadFile(payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode download payload: %w", err)
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", req.Path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", req.Path)
	}
	if info.Size() > maxDownloadSize {
		return nil, fmt.Errorf("%s exceeds the %d byte inline transfer limit", req.Path, int64(maxDownloadSize))
	}

	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.Path, err)
	}

	return json.Marshal(map[string]any{
		"path":    req.Path,
		"size":    info.Size(),
		"content": base64.StdEncoding.EncodeToString(data),
	})
}

func (e *Executor) uploadFile(payload json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode upload payload: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		return nil, fmt.Errorf("decode file content: %w", err)
	}

	if dir := filepath.Dir(req.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(req.Path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", req.Path, err)
	}

	return json.Marshal(map[string]any{"path": req.Path, "size": len(data)})
}

func (e *Executor) collectDiagnostics() (json.RawMessage, error) {
	diag := map[string]any{
		"collectedAt":  time.Now().UTC(),
		"agentVersion": e.agentVersion,
		"goVersion":    runtime.Version(),
		"numCPU":       runtime.NumCPU(),
	}
	if hi, err := host.Info(); err == nil {
		diag["hostname"] = hi.Hostname
		diag["platform"] = hi.Platform
		diag["platformVersion"] = hi.PlatformVersion
		diag["uptimeSeconds"] = hi.Uptime
		diag["bootTime"] = time.Unix(int64(hi.BootTime), 0).UTC()
	}
	if avg, err := load.Avg(); err == nil {
		diag["load1"] = avg.Load1
		diag["load5"] = avg.Load5
		diag["load15"] = avg.Load15
	}
	return json.Marshal(diag)
}
