package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/overcast-hq/overcast/internal/control"
)

const (
	sendChannelBuffer = 100
	heartbeatInterval = 30 * time.Second
	metricsInterval   = 60 * time.Second
	writeTimeout      = 10 * time.Second
	authTimeout       = 10 * time.Second

	initialDelay  = 1 * time.Second
	maxDelay      = 30 * time.Second
	backoffFactor = 2
)

// ClientConfig wires a control-plane client to its server.
type ClientConfig struct {
	ServerURL       string
	AgentID         string
	EnrollmentToken string
	AgentVersion    string
	ConfigPath      string // where a generated agent ID is persisted
}

// Client maintains the agent's control-plane connection: it enrolls,
// heartbeats, reports metrics, answers RPCs, and hosts terminal sessions.
// The connection is retried forever with exponential backoff.
type Client struct {
	cfg       ClientConfig
	executor  *Executor
	terminals *TerminalManager
	collector *Collector
	logger    *slog.Logger

	conn   *websocket.Conn
	sendCh chan control.Envelope
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectDelay time.Duration

	mu sync.RWMutex
}

// NewClient builds a Client. A missing agent ID is generated once and
// persisted so the device keeps its identity across restarts.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.New().String()
		logger.Info("generated agent id", "agent_id", cfg.AgentID)
		if cfg.ConfigPath != "" {
			if err := saveAgentIDToConfig(cfg.ConfigPath, cfg.AgentID); err != nil {
				logger.Error("failed to persist agent id", "error", err)
			} else {
				logger.Info("agent id persisted", "config_path", cfg.ConfigPath)
			}
		}
	}

	c := &Client{
		cfg:            cfg,
		executor:       NewExecutor(cfg.AgentVersion),
		collector:      NewCollector(cfg.AgentID),
		logger:         logger,
		sendCh:         make(chan control.Envelope, sendChannelBuffer),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		reconnectDelay: initialDelay,
	}
	c.terminals = NewTerminalManager(logger)
	return c, nil
}

// AgentID returns the identity used on the control and data planes.
func (c *Client) AgentID() string {
	return c.cfg.AgentID
}

func (c *Client) Start() error {
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() {
	c.logger.Info("stopping control-plane client")
	close(c.stopCh)
	<-c.doneCh
	c.logger.Info("control-plane client stopped")
}

// Send queues an envelope for delivery. It never blocks; a full buffer
// means the connection is stalled and the envelope is dropped with an error.
func (c *Client) Send(env control.Envelope) error {
	select {
	case c.sendCh <- env:
		return nil
	default:
		return fmt.Errorf("send channel full")
	}
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			c.disconnect()
			return
		default:
			if err := c.connect(); err != nil {
				c.logger.Error("connection failed", "error", err, "retry_in", c.reconnectDelay)
				select {
				case <-time.After(c.reconnectDelay):
					c.increaseReconnectDelay()
					continue
				case <-c.stopCh:
					return
				}
			}

			c.reconnectDelay = initialDelay

			if err := c.handleConnection(); err != nil {
				c.logger.Error("connection lost", "error", err)
			}

			c.disconnect()
			c.terminals.CloseAll()

			select {
			case <-c.stopCh:
				return
			default:
				c.logger.Info("reconnecting", "delay", c.reconnectDelay)
				time.Sleep(c.reconnectDelay)
				c.increaseReconnectDelay()
			}
		}
	}
}

func (c *Client) connect() error {
	c.logger.Info("connecting to server", "url", c.cfg.ServerURL)

	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial control plane: %w", err)
	}

	info, err := json.Marshal(DeviceInfo(c.cfg.AgentVersion))
	if err != nil {
		conn.Close()
		return fmt.Errorf("encode device info: %w", err)
	}

	authEnv, err := control.NewEnvelope(control.MsgAuth, control.AuthPayload{
		AgentID:    c.cfg.AgentID,
		Token:      c.cfg.EnrollmentToken,
		DeviceInfo: info,
	})
	if err != nil {
		conn.Close()
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(authEnv); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	env, err := control.DecodeEnvelope(data)
	if err != nil {
		conn.Close()
		return err
	}
	var resp control.AuthResponsePayload
	if env.Type != control.MsgAuthResponse || json.Unmarshal(env.Payload, &resp) != nil {
		conn.Close()
		return fmt.Errorf("unexpected auth response %q", env.Type)
	}
	if !resp.Success {
		conn.Close()
		return fmt.Errorf("server rejected enrollment: %s", resp.Error)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connected to server", "url", c.cfg.ServerURL, "agent_id", c.cfg.AgentID)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay = c.reconnectDelay * backoffFactor
	if c.reconnectDelay > maxDelay {
		c.reconnectDelay = maxDelay
	}
}

func (c *Client) handleConnection() error {
	done := make(chan struct{})
	errChan := make(chan error, 4)

	go c.receiveLoop(done, errChan)
	go c.sendLoop(done, errChan)
	go c.heartbeatLoop(done, errChan)
	go c.metricsLoop(done)

	var err error
	select {
	case err = <-errChan:
	case <-c.stopCh:
	}
	close(done)
	return err
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) receiveLoop(done chan struct{}, errChan chan error) {
	conn := c.currentConn()
	if conn == nil {
		errChan <- fmt.Errorf("connection is nil")
		return
	}

	for {
		select {
		case <-done:
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				errChan <- err
				return
			}

			env, err := control.DecodeEnvelope(data)
			if err != nil {
				c.logger.Warn("dropping undecodable message", "error", err)
				continue
			}
			c.dispatch(env)
		}
	}
}

func (c *Client) sendLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case env := <-c.sendCh:
			conn := c.currentConn()
			if conn == nil {
				errChan <- fmt.Errorf("connection is nil")
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) heartbeatLoop(done chan struct{}, errChan chan error) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			env, err := control.NewEnvelope(control.MsgHeartbeat, map[string]string{
				"agentVersion": c.cfg.AgentVersion,
			})
			if err != nil {
				continue
			}
			if err := c.Send(env); err != nil {
				c.logger.Error("failed to queue heartbeat", "error", err)
				errChan <- err
				return
			}
		}
	}
}

// metricsLoop reports telemetry over the control plane so alert rules are
// evaluated even when the data-plane uplink is down.
func (c *Client) metricsLoop(done chan struct{}) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			env, err := control.NewEnvelope(control.MsgMetrics, c.collector.Collect())
			if err != nil {
				continue
			}
			if err := c.Send(env); err != nil {
				c.logger.Debug("metrics dropped", "error", err)
			}
		}
	}
}

func (c *Client) dispatch(env control.Envelope) {
	switch env.Type {
	case control.MsgHeartbeatAck:
		c.logger.Debug("heartbeat acknowledged")

	case control.MsgExecuteCommand, control.MsgExecuteScript, control.MsgCheckUpdate,
		control.MsgListFiles, control.MsgDownloadFile, control.MsgUploadFile,
		control.MsgCollectDiag:
		go c.handleRequest(env)

	case control.MsgStartTerminal:
		c.handleStartTerminal(env)

	case control.MsgTerminalInput:
		var in struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(env.Payload, &in); err == nil {
			if err := c.terminals.Input(env.SessionID, in.Data); err != nil {
				c.logger.Debug("terminal input dropped", "session_id", env.SessionID, "error", err)
			}
		}

	case control.MsgTerminalResize:
		var sz struct {
			Rows int `json:"rows"`
			Cols int `json:"cols"`
		}
		if err := json.Unmarshal(env.Payload, &sz); err == nil {
			c.terminals.Resize(env.SessionID, sz.Rows, sz.Cols)
		}

	case control.MsgCloseTerminal:
		c.terminals.Close(env.SessionID)

	case control.MsgStartRemote:
		c.respond(env.CorrelationID, control.ResponsePayload{
			Success: false,
			Error:   "remote desktop capture is not available in this agent build",
		})

	case control.MsgRemoteInput, control.MsgStopRemote:
		c.logger.Debug("ignoring remote desktop frame", "type", env.Type)

	default:
		c.logger.Warn("unexpected message type", "type", env.Type)
	}
}

func (c *Client) handleRequest(env control.Envelope) {
	data, err := c.executor.Execute(context.Background(), env.Type, env.Payload)
	if err != nil {
		c.logger.Error("request failed", "type", env.Type, "error", err)
		c.respond(env.CorrelationID, control.ResponsePayload{Success: false, Error: err.Error()})
		return
	}
	c.respond(env.CorrelationID, control.ResponsePayload{Success: true, Data: data})
}

func (c *Client) handleStartTerminal(env control.Envelope) {
	err := c.terminals.Start(env.SessionID, func(frame control.Envelope) {
		if sendErr := c.Send(frame); sendErr != nil {
			c.logger.Debug("terminal output dropped", "session_id", env.SessionID, "error", sendErr)
		}
	})
	if err != nil {
		c.respond(env.CorrelationID, control.ResponsePayload{Success: false, Error: err.Error()})
		return
	}
	c.respond(env.CorrelationID, control.ResponsePayload{Success: true})
}

func (c *Client) respond(correlationID string, payload control.ResponsePayload) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := control.Envelope{
		Type:          control.MsgResponse,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}
	if err := c.Send(env); err != nil {
		c.logger.Error("failed to queue response", "correlation_id", correlationID, "error", err)
	}
}

// saveAgentIDToConfig writes the generated agent ID back into the config
// file so later runs reconnect with the same identity.
func saveAgentIDToConfig(configPath, agentID string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var config map[string]interface{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	serverConfig, ok := config["server"].(map[string]interface{})
	if !ok {
		serverConfig = make(map[string]interface{})
		config["server"] = serverConfig
	}
	serverConfig["agent_id"] = agentID

	updated, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	comment := "# Agent enrolled on " + time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(configPath, []byte(comment+string(updated)), 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
