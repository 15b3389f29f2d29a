package protocol

const (
	ErrValidation  = "E_VALIDATION"
	ErrNotFound    = "E_NOT_FOUND"
	ErrState       = "E_STATE"
	ErrExpired     = "E_EXPIRED"
	ErrNoResource  = "E_NO_RESOURCE"
	ErrConn        = "E_CONN"
	ErrRateLimit   = "E_RATE_LIMIT"
	ErrUnparseable = "E_UNPARSEABLE"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrValidation:  {},
	ErrNotFound:    {},
	ErrState:       {},
	ErrExpired:     {},
	ErrNoResource:  {},
	ErrConn:        {},
	ErrRateLimit:   {},
	ErrUnparseable: {},
	ErrInternal:    {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Result is how state machines answer callers. Failures travel as values,
// never as panics or errors across the public boundary.
type Result struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func Ok() Result { return Result{OK: true} }

func Fail(code, msg string) Result { return Result{Code: code, Message: msg} }
