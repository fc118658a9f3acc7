package protocol

import (
	"encoding/json"
	"time"
)

// AuthChallenge is sent by the platform right after the transport opens.
type AuthChallenge struct {
	Challenge string `json:"challenge"`
	Timestamp int64  `json:"timestamp"`
}

// AuthResponse proves possession of the agent key.
type AuthResponse struct {
	AgentID   string `json:"agent_id"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// AuthSuccess carries the session token.
type AuthSuccess struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// AuthFailure is fatal for the session.
type AuthFailure struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// GPUInfo describes one physical device.
type GPUInfo struct {
	Index             int     `json:"index"`
	UUID              string  `json:"uuid,omitempty"`
	Model             string  `json:"model"`
	VRAMGB            float64 `json:"vram_gb"`
	ComputeCapability string  `json:"compute_capability,omitempty"`
	PowerLimitW       float64 `json:"power_limit_w,omitempty"`
}

// HardwareInfo is the host inventory reported at registration.
type HardwareInfo struct {
	GPUs          []GPUInfo `json:"gpus"`
	CPUModel      string    `json:"cpu_model,omitempty"`
	CPUCores      int       `json:"cpu_cores"`
	MemoryGB      float64   `json:"memory_gb"`
	OS            string    `json:"os"`
	DriverVersion string    `json:"driver_version,omitempty"`
	CUDAVersion   string    `json:"cuda_version,omitempty"`
}

// TotalVRAMGB sums VRAM across all devices.
func (h HardwareInfo) TotalVRAMGB() float64 {
	var total float64
	for _, g := range h.GPUs {
		total += g.VRAMGB
	}
	return total
}

type Capabilities struct {
	Frameworks         []string `json:"frameworks"`
	FP16               bool     `json:"fp16"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	ReservedVRAMGB     float64  `json:"reserved_vram_gb,omitempty"`
}

type Location struct {
	Country  string `json:"country,omitempty"`
	Region   string `json:"region,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// AgentRegister is sent once per session after authentication.
type AgentRegister struct {
	AgentID      string       `json:"agent_id"`
	Version      string       `json:"version"`
	Hardware     HardwareInfo `json:"hardware"`
	Capabilities Capabilities `json:"capabilities"`
	Location     Location     `json:"location"`
}

// RegisterAck completes the handshake. Pricing is opaque to the agent.
type RegisterAck struct {
	AgentID string          `json:"agent_id,omitempty"`
	Status  string          `json:"status"`
	Pricing json.RawMessage `json:"pricing,omitempty"`
}

type TaskRequirements struct {
	MinVRAMGB            float64 `json:"min_vram_gb"`
	MinComputeCapability string  `json:"min_compute_capability,omitempty"`
	Framework            string  `json:"framework,omitempty"`
	FP16                 bool    `json:"fp16,omitempty"`
}

// TaskPayload references the work; the execution engine resolves it.
type TaskPayload struct {
	ModelURL     string          `json:"model_url,omitempty"`
	ModelHash    string          `json:"model_hash,omitempty"`
	InputDataURL string          `json:"input_data_url,omitempty"`
	OutputURL    string          `json:"output_url,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
}

type TaskAssign struct {
	TaskID               string           `json:"task_id"`
	JobID                string           `json:"job_id"`
	Priority             int              `json:"priority,omitempty"`
	EstimatedDurationSec int64            `json:"estimated_duration_sec"`
	Requirements         TaskRequirements `json:"requirements"`
	Payload              TaskPayload      `json:"payload"`
	Pricing              json.RawMessage  `json:"pricing,omitempty"`
}

// EstimatedDuration converts the wire estimate to a duration.
func (t TaskAssign) EstimatedDuration() time.Duration {
	return time.Duration(t.EstimatedDurationSec) * time.Second
}

type TaskAccept struct {
	TaskID              string `json:"task_id"`
	AgentID             string `json:"agent_id"`
	GPUAllocated        []int  `json:"gpu_allocated,omitempty"`
	EstimatedCompletion int64  `json:"estimated_completion,omitempty"`
}

type TaskReject struct {
	TaskID  string `json:"task_id"`
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

type TaskMetrics struct {
	GPUUtilization float64 `json:"gpu_utilization"`
	MemoryUsedGB   float64 `json:"memory_used_gb"`
	Throughput     float64 `json:"throughput,omitempty"`
}

type TaskProgress struct {
	TaskID    string       `json:"task_id"`
	Progress  float64      `json:"progress"`
	Stage     string       `json:"stage,omitempty"`
	Metrics   *TaskMetrics `json:"metrics,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

type TaskResult struct {
	OutputURL        string  `json:"output_url,omitempty"`
	OutputHash       string  `json:"output_hash,omitempty"`
	ExecutionTimeSec float64 `json:"execution_time_sec"`
	GPUTimeSec       float64 `json:"gpu_time_sec,omitempty"`
}

type TaskComplete struct {
	TaskID  string       `json:"task_id"`
	Result  TaskResult   `json:"result"`
	Metrics *TaskMetrics `json:"metrics,omitempty"`
}

type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type TaskFailed struct {
	TaskID         string          `json:"task_id"`
	Error          TaskError       `json:"error"`
	PartialResults json.RawMessage `json:"partial_results,omitempty"`
}

// Task failure and rejection reason codes.
const (
	ReasonTimeout            = "timeout"
	ReasonShutdown           = "shutdown"
	ReasonInsufficientVRAM   = "insufficient_vram"
	ReasonCapabilityMismatch = "capability_mismatch"
	ReasonAtCapacity         = "at_capacity"
	ReasonPlatformCancelled  = "platform_cancelled"
	ReasonExecutionError     = "execution_error"
	ReasonDownloadFailed     = "download_failed"
	ReasonOutOfMemory        = "oom"
)

// AgentStatus is the coarse state reported in heartbeats.
type AgentStatus string

const (
	StatusIdle    AgentStatus = "idle"
	StatusWorking AgentStatus = "working"
	StatusError   AgentStatus = "error"
)

// GPUStatus is a point-in-time reading for one device.
type GPUStatus struct {
	Index           int     `json:"index"`
	Utilization     float64 `json:"utilization"`
	MemoryUsedGB    float64 `json:"memory_used_gb"`
	MemoryTotalGB   float64 `json:"memory_total_gb"`
	TemperatureC    float64 `json:"temperature_c"`
	PowerDrawW      float64 `json:"power_draw_w"`
	FanSpeedPercent float64 `json:"fan_speed_percent,omitempty"`
}

type Heartbeat struct {
	AgentID        string      `json:"agent_id"`
	Status         AgentStatus `json:"status"`
	CurrentTaskIDs []string    `json:"current_task_ids,omitempty"`
	GPUStatus      []GPUStatus `json:"gpu_status"`
	UptimeSec      int64       `json:"uptime_sec"`
	Timestamp      int64       `json:"timestamp"`
}

// MetricsSample is one telemetry reading taken by the hardware provider.
type MetricsSample struct {
	Time       time.Time   `json:"time"`
	GPUs       []GPUStatus `json:"gpus"`
	CPUPercent float64     `json:"cpu_percent"`
	MemPercent float64     `json:"mem_percent"`
}

type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type Aggregates struct {
	Samples           int     `json:"samples"`
	TasksCompleted    int     `json:"tasks_completed"`
	TasksFailed       int     `json:"tasks_failed"`
	TotalGPUHours     float64 `json:"total_gpu_hours"`
	AvgGPUUtilization float64 `json:"avg_gpu_utilization"`
	MaxGPUUtilization float64 `json:"max_gpu_utilization"`
	AvgTemperatureC   float64 `json:"avg_temperature_c"`
	MaxTemperatureC   float64 `json:"max_temperature_c"`
	TotalEnergyKWh    float64 `json:"total_energy_kwh"`
	AvgCPUPercent     float64 `json:"avg_cpu_percent"`
}

type MetricsBatch struct {
	AgentID    string     `json:"agent_id"`
	TimeRange  TimeRange  `json:"time_range"`
	Aggregates Aggregates `json:"aggregates"`
}

type PowChallenge struct {
	ChallengeID string `json:"challenge_id"`
	NonceSeed   string `json:"nonce_seed"`
	Difficulty  uint32 `json:"difficulty"`
	Deadline    int64  `json:"deadline"`
}

// DeadlineTime returns the challenge deadline.
func (p PowChallenge) DeadlineTime() time.Time {
	return time.UnixMilli(p.Deadline).UTC()
}

type DeviceSignature struct {
	DeviceUUID  string `json:"device_uuid,omitempty"`
	Model       string `json:"model,omitempty"`
	CUDAVersion string `json:"cuda_version,omitempty"`
}

type PowResponse struct {
	ChallengeID       string          `json:"challenge_id"`
	Response          string          `json:"response"`
	SolutionNonce     uint64          `json:"solution_nonce"`
	ComputationTimeMs int64           `json:"computation_time_ms"`
	DeviceSignature   DeviceSignature `json:"device_signature"`
}

// SyncedTask is a task as reported in STATE_SYNC.
type SyncedTask struct {
	TaskID    string  `json:"task_id"`
	JobID     string  `json:"job_id,omitempty"`
	State     string  `json:"state"`
	Progress  float64 `json:"progress"`
	StartedAt int64   `json:"started_at,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

type StateSync struct {
	AgentID       string       `json:"agent_id"`
	LastHeartbeat int64        `json:"last_heartbeat,omitempty"`
	ActiveTasks   []SyncedTask `json:"active_tasks"`
	FinishedTasks []SyncedTask `json:"finished_tasks,omitempty"`
}

// Error is an advisory message in either direction.
type Error struct {
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	TaskID      string          `json:"task_id,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Recoverable bool            `json:"recoverable"`
}

// Codes used by the agent in outbound ERROR messages.
const (
	ErrorCodePowFailed = "POW_FAILED"
	ErrorCodeMalformed = "MALFORMED_MESSAGE"
)
