package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello       = "HELLO"
	TypeWelcome     = "WELCOME"
	TypeCells       = "CELLS"
	TypeCellsResult = "CELLS_RESULT"
	TypePose        = "POSE"
	TypePoseResult  = "POSE_RESULT"
	TypeMove        = "MOVE"
	TypeMoveResult  = "MOVE_RESULT"
	TypeError       = "ERROR"
)

// MaxCellsVolume bounds the box a single CELLS request may ask for.
const MaxCellsVolume = 32 * 32 * 32

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ID              string `json:"id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
