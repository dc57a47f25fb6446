package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentName       string `json:"agent_name"`
	// AgentID re-attaches to an agent that already joined (e.g. after a reconnect).
	AgentID string `json:"agent_id,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	AgentID         string     `json:"agent_id"`
	WorldID         string     `json:"world_id"`
	Bounds          BoxMsg     `json:"bounds"`
	Pos             [3]float64 `json:"pos"`
	ChunkSize       int        `json:"chunk_size"`
	BlockPalette    DigestRef  `json:"block_palette"`
}

type BoxMsg struct {
	Min [3]int `json:"min"`
	Max [3]int `json:"max"`
}

type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// CELLS (client -> server): classify every cell of an inclusive box.
type CellsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Box             BoxMsg `json:"box"`
}

// CELLS_RESULT (server -> client). Kinds is the RLE of cell-kind ids in x-outer, y, z-inner order.
type CellsResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Box             BoxMsg `json:"box"`
	Kinds           string `json:"kinds,omitempty"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// POSE (client -> server)
type PoseMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
}

type PoseResultMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ID              string     `json:"id"`
	Pos             [3]float64 `json:"pos"`
	Code            string     `json:"code,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// MOVE (client -> server): step the agent onto a cell.
type MoveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Target          [3]int `json:"target"`
}

type MoveResultMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ID              string     `json:"id"`
	Pos             [3]float64 `json:"pos"`
	Code            string     `json:"code,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// ERROR (server -> client) for messages that cannot be answered with a typed result.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
