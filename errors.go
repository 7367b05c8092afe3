package jingle

import (
	"encoding/xml"
	"errors"
	"fmt"
)

var ClosedPeerConnectionError = errors.New("peer connection is closed")
var SessionEndedError = errors.New("session ended")
var LocalDescriptionNotReadyError = errors.New("local description is not ready")
var QueueStoppedError = errors.New("modification queue stopped")
var InvalidCandidateError = errors.New("invalid candidate")
var UnknownContentError = errors.New("unknown content")
var TransportClosedError = errors.New("signal transport closed")

// StanzaError is the uniform record produced for a stanza error response or
// an IQ timeout. Response == nil means timeout.
type StanzaError struct {
	Code    string
	Reason  string
	Source  string
	Session *Session
}

func (e *StanzaError) Error() string {
	if len(e.Code) > 0 {
		return fmt.Sprintf("stanza error, code = %v, reason = %v", e.Code, e.Reason)
	}
	return fmt.Sprintf("stanza error, reason = %v", e.Reason)
}

func newStanzaError(session *Session, request *IQ, response *IQ) *StanzaError {
	stanzaError := &StanzaError{Session: session}
	if request != nil {
		if serialized, err := xml.Marshal(request); err == nil {
			stanzaError.Source = string(serialized)
		}
	}
	if response == nil {
		stanzaError.Reason = "timeout"
		return stanzaError
	}
	if response.Error != nil {
		stanzaError.Code = response.Error.Code
		stanzaError.Reason = response.Error.Condition.XMLName.Local
	}
	return stanzaError
}
