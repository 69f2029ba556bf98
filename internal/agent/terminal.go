package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"

	"github.com/overcast-hq/overcast/internal/control"
)

// terminalReadBuffer sizes the chunk forwarded per output frame.
const terminalReadBuffer = 4096

// FrameSender delivers a session frame back over the control connection.
type FrameSender func(env control.Envelope)

type terminalSession struct {
	id   string
	cmd  *exec.Cmd
	in   io.WriteCloser
	send FrameSender

	closeOnce sync.Once
}

// TerminalManager owns the shell processes backing interactive terminal
// sessions. One process per session ID; all sessions die with the control
// connection.
type TerminalManager struct {
	mu       sync.Mutex
	sessions map[string]*terminalSession
	logger   *slog.Logger
}

func NewTerminalManager(logger *slog.Logger) *TerminalManager {
	return &TerminalManager{
		sessions: make(map[string]*terminalSession),
		logger:   logger,
	}
}

func loginShell() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "sh"
}

// Start launches a shell for the session and begins pumping its output as
// terminal_output frames through send.
func (m *TerminalManager) Start(sessionID string, send FrameSender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sessionID]; exists {
		return fmt.Errorf("session %s already running", sessionID)
	}

	cmd := exec.Command(loginShell(), "-i")
	if runtime.GOOS == "windows" {
		cmd = exec.Command(loginShell())
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open shell stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open shell stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	sess := &terminalSession{id: sessionID, cmd: cmd, in: stdin, send: send}
	m.sessions[sessionID] = sess

	go m.pumpOutput(sess, stdout)
	m.logger.Info("terminal session started", "session_id", sessionID, "pid", cmd.Process.Pid)
	return nil
}

// pumpOutput forwards raw shell output until the process exits, then reaps
// it and drops the session.
func (m *TerminalManager) pumpOutput(sess *terminalSession, out io.Reader) {
	buf := make([]byte, terminalReadBuffer)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			payload, _ := json.Marshal(map[string]string{"data": string(buf[:n])})
			sess.send(control.Envelope{
				Type:      control.MsgTerminalOutput,
				SessionID: sess.id,
				Payload:   payload,
			})
		}
		if err != nil {
			break
		}
	}
	sess.cmd.Wait()

	m.mu.Lock()
	_, stillOurs := m.sessions[sess.id]
	delete(m.sessions, sess.id)
	m.mu.Unlock()

	if stillOurs {
		m.logger.Info("terminal session ended", "session_id", sess.id)
	}
}

// Input writes keystrokes to the session's shell.
func (m *TerminalManager) Input(sessionID string, data string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no terminal session %s", sessionID)
	}
	if _, err := io.WriteString(sess.in, data); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	return nil
}

// Resize is accepted for protocol symmetry. Without a pty there is no
// window size to propagate.
func (m *TerminalManager) Resize(sessionID string, rows, cols int) error {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no terminal session %s", sessionID)
	}
	return nil
}

// Close terminates the session's shell. Unknown sessions are ignored since
// close frames can race the shell exiting on its own.
func (m *TerminalManager) Close(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.terminate()
	m.logger.Info("terminal session closed", "session_id", sessionID)
}

// CloseAll tears down every session, used when the control connection drops.
func (m *TerminalManager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*terminalSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*terminalSession)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.terminate()
	}
}

func (s *terminalSession) terminate() {
	s.closeOnce.Do(func() {
		s.in.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	})
}
