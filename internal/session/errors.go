package session

import "errors"

// Error kinds (§7). All of them except PeerDisconnect are fatal: the
// session's Run loop catches any of these, transitions to Closing, and
// re-raises after cleanup so the surrounding collaborator (the accepting
// HTTP handler, in a full deployment) can log it.
type ErrorKind int

const (
	KindProtocol ErrorKind = iota
	KindAuthRejected
	KindResourceUnavailable
	KindIntegrity
	KindLocalFault
	KindPeerDisconnect
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol_error"
	case KindAuthRejected:
		return "auth_rejected"
	case KindResourceUnavailable:
		return "resource_unavailable"
	case KindIntegrity:
		return "integrity_error"
	case KindLocalFault:
		return "local_fault"
	case KindPeerDisconnect:
		return "peer_disconnect"
	default:
		return "unknown"
	}
}

// SessionError wraps an underlying error with the classification §7
// requires for logging and for the hosting service's reconnection policy.
type SessionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *SessionError) Unwrap() error { return e.Err }

func newProtocolError(err error) *SessionError {
	return &SessionError{Kind: KindProtocol, Err: err}
}

func newAuthRejectedError(err error) *SessionError {
	return &SessionError{Kind: KindAuthRejected, Err: err}
}

func newResourceUnavailableError(err error) *SessionError {
	return &SessionError{Kind: KindResourceUnavailable, Err: err}
}

func newIntegrityError(err error) *SessionError {
	return &SessionError{Kind: KindIntegrity, Err: err}
}

func newLocalFaultError(err error) *SessionError {
	return &SessionError{Kind: KindLocalFault, Err: err}
}

// ErrPeerDisconnect is a sentinel for a normal close — not an error per §7,
// but still the trigger for the Open -> Closing transition.
var ErrPeerDisconnect = errors.New("session: peer disconnected")

// IsFatal reports whether err should drive the session to Closing. Every
// SessionError is fatal by construction; ErrPeerDisconnect is handled
// separately by the caller (it is not wrapped in a SessionError since §7
// explicitly calls it "not an error").
func IsFatal(err error) bool {
	var se *SessionError
	return errors.As(err, &se)
}
