package protocol

// Event name constants fanned out by the gateway.
const (
	// Channel ingress: one per debounced inbound batch.
	EventMessageReceived = "message.received"

	// Session lifecycle, emitted by the sessions service.
	EventSessionCreated = "session.created"
	EventSessionMessage = "session.message"
	EventSessionDeleted = "session.deleted"

	// Cron trigger, emitted by the cron service; the agent service
	// subscribes and executes.
	EventCronTrigger = "cron.trigger"

	// Run lifecycle and streaming, emitted by the agent service.
	EventRunStart     = "run.start"
	EventRunDelta     = "run.delta"
	EventRunCompleted = "run.completed"
	EventRunError     = "run.error"
	EventRunEnd       = "run.end"

	// Synthetic gateway event published when a service connection drops.
	EventServiceDisconnected = "service.disconnected"
)

// run.delta payload kinds.
const (
	DeltaAssistant  = "assistant"
	DeltaTool       = "tool"
	DeltaCompaction = "compaction"
)

// MessageReceivedPayload is the payload of a message.received event.
type MessageReceivedPayload struct {
	Channel    string            `json:"channel"`
	UserID     string            `json:"userId"`
	Content    string            `json:"content"`
	SessionKey string            `json:"sessionKey"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RunDeltaPayload is the payload of run.delta streaming events. Kind
// selects which of the optional field groups is populated.
type RunDeltaPayload struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Kind       string `json:"kind"`

	// assistant
	Text       string `json:"text,omitempty"`
	IsComplete bool   `json:"isComplete,omitempty"`

	// tool
	ToolName string         `json:"toolName,omitempty"`
	Phase    string         `json:"phase,omitempty"`
	Args     map[string]any `json:"args,omitempty"`

	// compaction
	TokensBefore int    `json:"tokensBefore,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// CronTriggerPayload is the payload of a cron.trigger event.
type CronTriggerPayload struct {
	TaskID     string   `json:"taskId"`
	Task       string   `json:"task"`
	Name       string   `json:"name"`
	SessionKey string   `json:"sessionKey"`
	Notify     []string `json:"notify,omitempty"`
}
