package voice

// ConnState is the protocol-level state of the session
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Status is a snapshot of what the UI renders
type Status struct {
	State         ConnState `json:"state"`
	Connected     bool      `json:"connected"`
	Connecting    bool      `json:"connecting"`
	AgentSpeaking bool      `json:"agent_speaking"`
	UserSpeaking  bool      `json:"user_speaking"`
	Muted         bool      `json:"muted"`
	MicError      string    `json:"mic_error,omitempty"`
	Failed        bool      `json:"failed"`
	LastError     string    `json:"last_error,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
}
