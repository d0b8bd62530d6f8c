package core

import "fmt"

// Stable reason codes surfaced in error frames and logs. Clients
// branch on these, so they are part of the wire contract.
const (
	ReasonAuthMalformed = "AuthMalformed"
	ReasonAuthRejected  = "AuthRejected"

	ReasonGlobalCap        = "GlobalCap"
	ReasonPerCredentialCap = "PerCredentialCap"

	ReasonUnknownSession = "UnknownSession"
	ReasonDigestMismatch = "DigestMismatch"
	ReasonSessionBusy    = "SessionBusy"

	ReasonProvisionFailed = "ProvisionFailed"
	ReasonShellFailed     = "ShellFailed"
	ReasonTransportFailed = "TransportFailed"
	ReasonInternal        = "Internal"
)

// ErrAuth indicates a malformed or structurally invalid auth frame.
type ErrAuth struct {
	Reason  string // ReasonAuthMalformed or ReasonAuthRejected
	Message string
}

func (e *ErrAuth) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", e.Reason, e.Message)
}

// ErrAdmissionDenied indicates that a session cap would be exceeded.
type ErrAdmissionDenied struct {
	Reason string // ReasonGlobalCap or ReasonPerCredentialCap
	Limit  int
}

func (e *ErrAdmissionDenied) Error() string {
	return fmt.Sprintf("admission denied (%s): session limit %d reached, retry later", e.Reason, e.Limit)
}

// ErrResumeRejected indicates that a resume request did not match a
// resumable session. The broker never falls back to creating a fresh
// session on a failed resume; the client must ask for one explicitly.
type ErrResumeRejected struct {
	Reason    string // ReasonUnknownSession, ReasonDigestMismatch or ReasonSessionBusy
	SessionID string
}

func (e *ErrResumeRejected) Error() string {
	return fmt.Sprintf("resume rejected (%s): session %q", e.Reason, e.SessionID)
}

// ErrProvisionFailed indicates that the container could not be created
// or started, after retries where applicable.
type ErrProvisionFailed struct {
	Err error
}

func (e *ErrProvisionFailed) Error() string {
	return fmt.Sprintf("container provisioning failed: %v", e.Err)
}

func (e *ErrProvisionFailed) Unwrap() error { return e.Err }

// ErrShellFailed indicates that the PTY allocation or interactive
// shell launch inside a provisioned container failed.
type ErrShellFailed struct {
	Err error
}

func (e *ErrShellFailed) Error() string {
	return fmt.Sprintf("shell launch failed: %v", e.Err)
}

func (e *ErrShellFailed) Unwrap() error { return e.Err }
