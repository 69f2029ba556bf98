package dto

type StartTerminalRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type StartRemoteRequest struct {
	// Quality hints the agent's frame encoder, 1..100.
	Quality int `json:"quality" binding:"min=0,max=100"`
	FPS     int `json:"fps" binding:"min=0,max=60"`
}

type SessionResponse struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	DeviceID  string `json:"deviceId"`
}

type TerminalInputRequest struct {
	Data string `json:"data" binding:"required"`
}

type TerminalResizeRequest struct {
	Rows int `json:"rows" binding:"required,min=1"`
	Cols int `json:"cols" binding:"required,min=1"`
}

type RemoteInputRequest struct {
	// Event carries the raw input event (mouse, keyboard) for the agent.
	Event map[string]any `json:"event" binding:"required"`
}
