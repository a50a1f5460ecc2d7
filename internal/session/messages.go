package session

// Outbound message types.
const (
	TypeStateUpdate       = "state_update"
	TypeLogEvent          = "log_event"
	TypeBreakpointCreated = "breakpoint_created"
	TypeVarCreated        = "var_created"
	TypeVarChildren       = "var_children"
	TypeMemoryRead        = "memory_read"
	TypeError             = "error"
	TypeConsole           = "console"
)

// Message is one outbound frame: {"type": ..., "payload": ...}.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ClientMessage is one inbound frame.
type ClientMessage struct {
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

type Location struct {
	File string `json:"file"`
	Line string `json:"line"`
	Func string `json:"func"`
}

// Snapshot is the complete serialized session state.
type Snapshot struct {
	Status    Status    `json:"status"`
	Location  *Location `json:"location"`
	Stack     []any     `json:"stack"`
	Variables []any     `json:"variables"`
}

type LogEntry struct {
	Level     string `json:"level"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type BreakpointCreated struct {
	ID   string `json:"id"`
	File string `json:"file"`
	Line string `json:"line"`
}

type VarCreated struct {
	Name     string `json:"name"`
	NumChild string `json:"numchild"`
	Value    string `json:"value"`
	Type     string `json:"type"`
}

type VarChildren struct {
	Children []any `json:"children"`
}

type MemoryRead struct {
	Address  string `json:"address"`
	Contents string `json:"contents"`
}

const (
	LevelInfo  = "info"
	LevelError = "error"
)
