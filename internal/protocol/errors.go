package protocol

const (
	// Transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoSchema     = "E_PROTO_SCHEMA"

	// Host collaborators.
	ErrCompileFailed  = "E_COMPILE_FAILED"
	ErrInjectFailed   = "E_INJECT_FAILED"
	ErrRemoveFailed   = "E_REMOVE_FAILED"
	ErrCommandFailed  = "E_COMMAND_FAILED"
	ErrBlockNotLoaded = "E_BLOCK_NOT_LOADED"

	// Bridge API.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNotFound   = "E_NOT_FOUND"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoSchema:     {},
	ErrCompileFailed:   {},
	ErrInjectFailed:    {},
	ErrRemoveFailed:    {},
	ErrCommandFailed:   {},
	ErrBlockNotLoaded:  {},
	ErrBadRequest:      {},
	ErrNotFound:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
