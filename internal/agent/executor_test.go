package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overcast-hq/overcast/internal/control"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell semantics differ on windows")
	}
}

func TestExecuteCommand(t *testing.T) {
	skipOnWindows(t)
	exec := NewExecutor("test")

	payload, _ := json.Marshal(map[string]any{"command": "echo hello"})
	data, err := exec.Execute(context.Background(), control.MsgExecuteCommand, payload)
	require.NoError(t, err)

	var result commandResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Contains(t, result.Output, "hello")
	assert.Equal(t, 0, result.ExitCode)
}

func TestExecuteCommandNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	exec := NewExecutor("test")

	payload, _ := json.Marshal(map[string]any{"command": "exit 3"})
	data, err := exec.Execute(context.Background(), control.MsgExecuteCommand, payload)
	require.NoError(t, err)

	var result commandResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, 3, result.ExitCode)
}

func TestExecuteCommandTimeout(t *testing.T) {
	skipOnWindows(t)
	exec := NewExecutor("test")

	payload, _ := json.Marshal(map[string]any{"command": "sleep 5", "timeoutSeconds": 1})
	data, err := exec.Execute(context.Background(), control.MsgExecuteCommand, payload)
	require.NoError(t, err)

	var result commandResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.NotEqual(t, 0, result.ExitCode)
}

func TestExecuteCommandRejectsEmpty(t *testing.T) {
	exec := NewExecutor("test")

	payload, _ := json.Marshal(map[string]any{"command": ""})
	_, err := exec.Execute(context.Background(), control.MsgExecuteCommand, payload)
	assert.Error(t, err)
}

func TestExecuteScript(t *testing.T) {
	skipOnWindows(t)
	exec := NewExecutor("test")

	payload, _ := json.Marshal(map[string]any{"script": "echo from-script\necho second-line"})
	data, err := exec.Execute(context.Background(), control.MsgExecuteScript, payload)
	require.NoError(t, err)

	var result commandResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Contains(t, result.Output, "from-script")
	assert.Contains(t, result.Output, "second-line")
}

func TestCheckUpdate(t *testing.T) {
	exec := NewExecutor("2.1.0")

	data, err := exec.Execute(context.Background(), control.MsgCheckUpdate, nil)
	require.NoError(t, err)

	var result struct {
		CurrentVersion  string `json:"currentVersion"`
		UpdateAvailable bool   `json:"updateAvailable"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "2.1.0", result.CurrentVersion)
	assert.False(t, result.UpdateAvailable)
}

func TestListFiles(t *testing.T) {
	exec := NewExecutor("test")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	payload, _ := json.Marshal(map[string]string{"path": dir})
	data, err := exec.Execute(context.Background(), control.MsgListFiles, payload)
	require.NoError(t, err)

	var result struct {
		Path    string      `json:"path"`
		Entries []fileEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, dir, result.Path)
	require.Len(t, result.Entries, 2)

	names := map[string]bool{}
	for _, entry := range result.Entries {
		names[entry.Name] = entry.IsDir
	}
	assert.False(t, names["a.txt"])
	assert.True(t, names["sub"])
}

func TestUploadThenDownloadFile(t *testing.T) {
	exec := NewExecutor("test")
	path := filepath.Join(t.TempDir(), "nested", "payload.bin")
	content := []byte("file body with\x00binary bytes")

	upload, _ := json.Marshal(map[string]string{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(content),
	})
	_, err := exec.Execute(context.Background(), control.MsgUploadFile, upload)
	require.NoError(t, err)

	download, _ := json.Marshal(map[string]string{"path": path})
	data, err := exec.Execute(context.Background(), control.MsgDownloadFile, download)
	require.NoError(t, err)

	var result struct {
		Size    int64  `json:"size"`
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, int64(len(content)), result.Size)

	decoded, err := base64.StdEncoding.DecodeString(result.Content)
	require.NoError(t, err)
	assert.Equal(t, content, decoded)
}

func TestDownloadMissingFile(t *testing.T) {
	exec := NewExecutor("test")

	payload, _ := json.Marshal(map[string]string{"path": filepath.Join(t.TempDir(), "absent")})
	_, err := exec.Execute(context.Background(), control.MsgDownloadFile, payload)
	assert.Error(t, err)
}

func TestCollectDiagnostics(t *testing.T) {
	exec := NewExecutor("2.1.0")

	data, err := exec.Execute(context.Background(), control.MsgCollectDiag, nil)
	require.NoError(t, err)

	var diag map[string]any
	require.NoError(t, json.Unmarshal(data, &diag))
	assert.Equal(t, "2.1.0", diag["agentVersion"])
	assert.NotEmpty(t, diag["goVersion"])
}

func TestUnsupportedRequestType(t *testing.T) {
	exec := NewExecutor("test")

	_, err := exec.Execute(context.Background(), control.MsgHeartbeat, nil)
	assert.Error(t, err)
}
