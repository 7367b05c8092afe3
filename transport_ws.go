package jingle

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Connect-Club/connectclub-jingle-session/internal/volatile"
)

// WebsocketTransport frames IQ stanzas as text messages on a websocket XMPP
// stream and matches result/error responses to pending calls by stanza id.
type WebsocketTransport struct {
	log  *logrus.Entry
	conn *websocket.Conn

	writeLock sync.Mutex

	pendingLock sync.Mutex
	pending     map[string]*pendingCall
	nextId      uint64

	// onStanza receives inbound IQs that are not responses to pending calls
	// (the focus-initiated jingle actions).
	onStanza func(iq *IQ)

	closed    chan Signal
	closeOnce sync.Once
	isClosed  *volatile.Value[bool]
}

type pendingCall struct {
	onResult func(response *IQ)
	onError  func(response *IQ)
	timer    *time.Timer
}

// Compile-time interface check.
var _ SignalTransport = (*WebsocketTransport)(nil)

func DialWebsocketTransport(ctx context.Context, url string, onStanza func(iq *IQ), log *logrus.Entry) (*WebsocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot dial signal transport, %w", err)
	}
	transport := NewWebsocketTransport(conn, onStanza, log)
	return transport, nil
}

func NewWebsocketTransport(conn *websocket.Conn, onStanza func(iq *IQ), log *logrus.Entry) *WebsocketTransport {
	transport := &WebsocketTransport{
		log:      log,
		conn:     conn,
		onStanza: onStanza,
		pending:  make(map[string]*pendingCall),
		closed:   make(chan Signal),
		isClosed: volatile.NewValue(false),
	}
	go transport.readLoop()
	return transport
}

func (transport *WebsocketTransport) readLoop() {
	for {
		messageType, data, err := transport.conn.ReadMessage()
		if err != nil {
			transport.log.WithError(err).Info("signal transport read failed")
			transport.Close()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var iq IQ
		if err := xml.Unmarshal(data, &iq); err != nil {
			transport.log.WithError(err).Warn("cannot unmarshal inbound stanza")
			continue
		}
		transport.dispatch(&iq)
	}
}

func (transport *WebsocketTransport) dispatch(iq *IQ) {
	if iq.Type == "result" || iq.Type == "error" {
		transport.pendingLock.Lock()
		call, found := transport.pending[iq.ID]
		if found {
			delete(transport.pending, iq.ID)
		}
		transport.pendingLock.Unlock()
		if !found {
			transport.log.Warnf("response for unknown stanza, id = %v", iq.ID)
			return
		}
		call.timer.Stop()
		if iq.Type == "result" {
			if call.onResult != nil {
				call.onResult(iq)
			}
		} else if call.onError != nil {
			call.onError(iq)
		}
		return
	}
	if transport.onStanza != nil {
		transport.onStanza(iq)
	}
}

func (transport *WebsocketTransport) Send(iq *IQ, onResult func(response *IQ), onError func(response *IQ), timeout time.Duration) {
	if transport.isClosed.Load() {
		if onError != nil {
			onError(nil)
		}
		return
	}
	if len(iq.ID) == 0 {
		transport.pendingLock.Lock()
		transport.nextId++
		iq.ID = "jingle-" + strconv.FormatUint(transport.nextId, 10)
		transport.pendingLock.Unlock()
	}

	call := &pendingCall{onResult: onResult, onError: onError}
	call.timer = time.AfterFunc(timeout, func() {
		transport.pendingLock.Lock()
		_, pending := transport.pending[iq.ID]
		if pending {
			delete(transport.pending, iq.ID)
		}
		transport.pendingLock.Unlock()
		if pending {
			transport.log.Warnf("stanza timed out, id = %v", iq.ID)
			if onError != nil {
				onError(nil)
			}
		}
	})
	transport.pendingLock.Lock()
	transport.pending[iq.ID] = call
	transport.pendingLock.Unlock()

	if err := transport.write(iq); err != nil {
		transport.log.WithError(err).Warn("cannot write stanza")
		transport.pendingLock.Lock()
		_, pending := transport.pending[iq.ID]
		if pending {
			delete(transport.pending, iq.ID)
		}
		transport.pendingLock.Unlock()
		call.timer.Stop()
		if pending && onError != nil {
			onError(nil)
		}
	}
}

// SendResult acknowledges an inbound IQ with an empty result stanza.
func (transport *WebsocketTransport) SendResult(request *IQ) {
	result := &IQ{Type: "result", ID: request.ID, To: request.From, From: request.To}
	if err := transport.write(result); err != nil {
		transport.log.WithError(err).Warn("cannot ack stanza")
	}
}

func (transport *WebsocketTransport) write(iq *IQ) error {
	data, err := xml.Marshal(iq)
	if err != nil {
		return err
	}
	transport.writeLock.Lock()
	defer transport.writeLock.Unlock()
	if transport.isClosed.Load() {
		return TransportClosedError
	}
	return transport.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the stream down and times out every pending call. Idempotent.
func (transport *WebsocketTransport) Close() {
	transport.closeOnce.Do(func() {
		transport.isClosed.Store(true)
		close(transport.closed)
		_ = transport.conn.Close()

		transport.pendingLock.Lock()
		pending := transport.pending
		transport.pending = make(map[string]*pendingCall)
		transport.pendingLock.Unlock()
		for _, call := range pending {
			call.timer.Stop()
			if call.onError != nil {
				call.onError(nil)
			}
		}
	})
}
