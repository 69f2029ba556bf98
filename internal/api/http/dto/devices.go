package dto

import "encoding/json"

type RenameDeviceRequest struct {
	DisplayName string `json:"displayName" binding:"required,max=255"`
}

// CommandRequest dispatches one operation to a device. Payload is passed to
// the agent untouched.
type CommandRequest struct {
	Type     string          `json:"type" binding:"required"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	// TTLSeconds bounds how long the command may wait for an offline
	// device. Zero means the default retention.
	TTLSeconds int `json:"ttlSeconds" binding:"min=0"`
}

// CommandResponse reports either the immediate result (device online) or
// the queued command ID (device offline).
type CommandResponse struct {
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
}

type ListFilesRequest struct {
	Path string `json:"path" binding:"required"`
}

type DownloadFileRequest struct {
	Path string `json:"path" binding:"required"`
}

type UploadFileRequest struct {
	Path string `json:"path" binding:"required"`
	// Content is base64 in transit; the agent decodes it on write.
	Content string `json:"content" binding:"required"`
}
