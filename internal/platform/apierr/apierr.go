package apierr

import "fmt"

// Kind values, one per error class a provisioning run can surface (§7).
const (
	KindInput          = "input"
	KindUpstream       = "upstream"
	KindSchema         = "schema"
	KindDataGeneration = "data_generation"
	KindInfrastructure = "infrastructure"
	KindTimeout        = "timeout"
	KindCanceled       = "canceled"
	KindSafeguard      = "safeguard"
	KindNotFound       = "not_found"
	KindUnauthorized   = "unauthorized"
	KindConflict       = "conflict"
)

// statusByKind maps each Kind to the HTTP status the handler layer should
// respond with. Stage-scoped kinds raised mid-pipeline (upstream, schema,
// data_generation, infrastructure, timeout, safeguard) surface through
// GET /status rather than as the response to the call that raised
// them, since the job already returned 202 Accepted at creation time.
var statusByKind = map[string]int{
	KindInput:          400,
	KindUpstream:       502,
	KindSchema:         422,
	KindDataGeneration: 500,
	KindInfrastructure: 502,
	KindTimeout:        504,
	KindCanceled:       409,
	KindSafeguard:      500,
	KindNotFound:       404,
	KindUnauthorized:   401,
	KindConflict:       409,
}

// Error is the typed error carried through stage execution and HTTP
// responses: Kind names the failure class, Stage (when set) names the
// pipeline stage that raised it.
type Error struct {
	Kind    string
	Stage   string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status this error should map to, falling back to
// the explicit Status field (for errors constructed via New) and then 500.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return 500
	}
	if e.Status != 0 {
		return e.Status
	}
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return 500
}

// New constructs a status/code error without a Kind, for callers at the HTTP
// boundary that don't carry pipeline-stage context.
func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Wrap constructs a Kind-classified error, optionally scoped to a stage.
func Wrap(kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Status: statusByKind[kind], Err: err}
}

// Newf constructs a Kind-classified error from a formatted message, with no
// underlying cause to wrap.
func Newf(kind, stage, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Stage: stage, Status: statusByKind[kind], Message: fmt.Sprintf(format, args...)}
}
