// Package apierror defines the machine-parseable error envelope returned by every endpoint, and the
// sentinel codes handlers map domain errors onto.
package apierror

// Code is a machine-parseable error identifier, stable across releases so clients can branch on it.
type Code string

// Error codes returned in the wire error envelope. These are independent of HTTP status; the router
// chooses a status per endpoint contract and always includes one of these codes.
const (
	Unauthorized       Code = "Unauthorized"
	TokenExpired       Code = "TokenExpired"
	TokenReplayed      Code = "TokenReplayed"
	AudienceMismatch   Code = "AudienceMismatch"
	EndpointMismatch   Code = "EndpointMismatch"
	Forbidden          Code = "Forbidden"
	NotMember          Code = "NotMember"
	NotAdmin           Code = "NotAdmin"
	ValidationFailed   Code = "ValidationFailed"
	PayloadTooLarge    Code = "PayloadTooLarge"
	NotFound           Code = "NotFound"
	ConvoNotFound      Code = "ConvoNotFound"
	WelcomeNotFound    Code = "WelcomeNotFound"
	EpochMismatch      Code = "EpochMismatch"
	SlowConsumer       Code = "SlowConsumer"
	WelcomeConsumed    Code = "WelcomeConsumed"
	CursorGone         Code = "CursorGone"
	RateLimited        Code = "RateLimited"
	InternalError      Code = "InternalError"
	ActorTimeout       Code = "ActorTimeout"
	ActorUnavailable   Code = "ActorUnavailable"
	WelcomeInFlight    Code = "WelcomeInFlight"
	DuplicateKeyHash   Code = "DuplicateKeyHash"
)

// Error is a structured error carrying both an HTTP status and a wire code. Handlers construct these at
// the point an operation fails; the router's top-level error handler renders them without needing a type
// switch over every domain sentinel error.
type Error struct {
	Status     int
	Code       Code
	Message    string
	RetryAfter int // seconds; zero means absent
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs an *Error. status is the HTTP status to send.
func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// WithRetryAfter attaches a Retry-After hint in seconds, used by 429 and 409 slow-consumer responses.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}
