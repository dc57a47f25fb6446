package observerproto

// Version is the observer protocol version (separate from the agent WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeNotice    = "NOTICE"
	TypeOutcome   = "OUTCOME"
	TypeReport    = "REPORT"
)

// Client -> Server. First message on the observer WS connection.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Backlog asks for up to this many recent notices on join. 0 means none.
	Backlog int `json:"backlog,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string     `json:"protocol_version"`
	AgentName       string     `json:"agent_name"`
	State           string     `json:"state"`
	LastReport      *ReportMsg `json:"last_report,omitempty"`
}

// Server -> Client. One per controller notice line.
type NoticeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Text            string `json:"text"`
}

// Server -> Client. One per scan target.
type OutcomeMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	RunID           string  `json:"run_id"`
	Seq             int     `json:"seq"`
	Target          [3]int  `json:"target"`
	Result          string  `json:"result"`
	AccessPoint     *[3]int `json:"access_point,omitempty"`
	PathLen         int     `json:"path_len,omitempty"`
}

// Server -> Client. Sent once when a run ends.
type ReportMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	Status          string `json:"status"`
	Targets         int    `json:"targets"`
	Visited         int    `json:"visited"`
	Unreachable     int    `json:"unreachable"`
	AbortReason     string `json:"abort_reason,omitempty"`
	DurationMS      int64  `json:"duration_ms"`
}
