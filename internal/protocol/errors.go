package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// World routing/state.
	ErrWorldBusy    = "E_WORLD_BUSY"
	ErrWorldStopped = "E_WORLD_STOPPED"
	ErrNoAgent      = "E_NO_AGENT"

	// Request layer.
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrTooLarge    = "E_TOO_LARGE"
	ErrOutOfBounds = "E_OUT_OF_BOUNDS"
	ErrTooFar      = "E_TOO_FAR"
	ErrBlocked     = "E_BLOCKED"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrWorldBusy:       {},
	ErrWorldStopped:    {},
	ErrNoAgent:         {},
	ErrBadRequest:      {},
	ErrTooLarge:        {},
	ErrOutOfBounds:     {},
	ErrTooFar:          {},
	ErrBlocked:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeError carries a protocol error code across package boundaries.
type CodeError struct {
	Code    string
	Message string
}

func (e *CodeError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func NewError(code, msg string) *CodeError { return &CodeError{Code: code, Message: msg} }
