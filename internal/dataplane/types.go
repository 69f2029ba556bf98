package dataplane

import "time"

// MetricsSample is one telemetry reading. Field names stay camelCase on the
// wire to match the control-plane metrics payload.
type MetricsSample struct {
	AgentID          string    `json:"agentId"`
	Timestamp        time.Time `json:"timestamp"`
	CPUPercent       float64   `json:"cpuPercent"`
	MemoryPercent    float64   `json:"memoryPercent"`
	MemoryUsedBytes  uint64    `json:"memoryUsedBytes"`
	MemoryTotalBytes uint64    `json:"memoryTotalBytes"`
	DiskPercent      float64   `json:"diskPercent"`
	DiskUsedBytes    uint64    `json:"diskUsedBytes"`
	DiskTotalBytes   uint64    `json:"diskTotalBytes"`
	NetworkRxBytes   uint64    `json:"networkRxBytes"`
	NetworkTxBytes   uint64    `json:"networkTxBytes"`
	ProcessCount     int       `json:"processCount"`
}

// StreamAck closes every upload call with a count of accepted items.
type StreamAck struct {
	Received int64  `json:"received"`
	Message  string `json:"message,omitempty"`
}

// SoftwarePackage is one installed-software inventory row.
type SoftwarePackage struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Publisher string `json:"publisher,omitempty"`
}

// InventoryUpload carries a full system and software inventory snapshot.
type InventoryUpload struct {
	AgentID      string            `json:"agentId"`
	Hostname     string            `json:"hostname"`
	OS           string            `json:"os"`
	OSVersion    string            `json:"osVersion"`
	Arch         string            `json:"arch"`
	AgentVersion string            `json:"agentVersion"`
	Software     []SoftwarePackage `json:"software,omitempty"`
}

// LogEntry is one agent log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message"`
}

// LogBatch groups log entries to amortize per-message overhead.
type LogBatch struct {
	AgentID string     `json:"agentId"`
	Entries []LogEntry `json:"entries"`
}

// FileChunk is one piece of an uploaded file. The final chunk carries
// isLast and triggers reassembly.
type FileChunk struct {
	AgentID    string `json:"agentId"`
	TransferID string `json:"transferId"`
	FilePath   string `json:"filePath"`
	ChunkData  []byte `json:"chunkData"`
	TotalSize  int64  `json:"totalSize"`
	IsLast     bool   `json:"isLast"`
}

// BulkChunk is one piece of a generic bulk payload (diagnostics, crash
// dumps, performance traces), tagged with its type.
type BulkChunk struct {
	AgentID     string `json:"agentId"`
	TransferID  string `json:"transferId"`
	DataType    string `json:"dataType"`
	ChunkIndex  int32  `json:"chunkIndex"`
	TotalChunks int32  `json:"totalChunks"`
	ChunkData   []byte `json:"chunkData"`
	IsLast      bool   `json:"isLast"`
}
