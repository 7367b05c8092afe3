package jingle

import "time"

// SignalTransport carries IQ stanzas to the focus. Send never blocks on the
// response: onResult receives the result stanza, onError receives the error
// stanza, or nil after the timeout expired.
type SignalTransport interface {
	Send(iq *IQ, onResult func(response *IQ), onError func(response *IQ), timeout time.Duration)
}
