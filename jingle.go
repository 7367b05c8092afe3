package jingle

import (
	"encoding/xml"
	"strconv"
	"strings"
)

//goland:noinspection GoUnusedConst
const (
	NamespaceJingle       = "urn:xmpp:jingle:1"
	NamespaceJingleRTP    = "urn:xmpp:jingle:apps:rtp:1"
	NamespaceJingleSSMA   = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NamespaceJingleDTLS   = "urn:xmpp:jingle:apps:dtls:0"
	NamespaceJingleIceUdp = "urn:xmpp:jingle:transports:ice-udp:1"
	NamespaceJitsiMeet    = "http://jitsi.org/jitmeet"
)

// Jingle actions handled on the inbound side and produced on the outbound
// side of the session.
//
//goland:noinspection GoUnusedConst
const (
	ActionSessionInitiate  = "session-initiate"
	ActionSessionAccept    = "session-accept"
	ActionSessionTerminate = "session-terminate"
	ActionTransportReplace = "transport-replace"
	ActionTransportAccept  = "transport-accept"
	ActionTransportReject  = "transport-reject"
	ActionTransportInfo    = "transport-info"
	ActionSourceAdd        = "source-add"
	ActionSourceRemove     = "source-remove"
)

type IQ struct {
	XMLName xml.Name       `xml:"iq"`
	From    string         `xml:"from,attr,omitempty"`
	To      string         `xml:"to,attr,omitempty"`
	Type    string         `xml:"type,attr"`
	ID      string         `xml:"id,attr"`
	Jingle  *Jingle        `xml:"urn:xmpp:jingle:1 jingle,omitempty"`
	Error   *StanzaErrorEl `xml:"error,omitempty"`
}

// StanzaErrorEl is the <error> element of an error IQ. Condition captures the
// first child element, whose tag names the error condition.
type StanzaErrorEl struct {
	XMLName   xml.Name `xml:"error"`
	Code      string   `xml:"code,attr,omitempty"`
	Type      string   `xml:"type,attr,omitempty"`
	Condition struct {
		XMLName xml.Name
	} `xml:",any"`
}

type Jingle struct {
	XMLName   xml.Name  `xml:"urn:xmpp:jingle:1 jingle"`
	Action    string    `xml:"action,attr"`
	Initiator string    `xml:"initiator,attr,omitempty"`
	Responder string    `xml:"responder,attr,omitempty"`
	SID       string    `xml:"sid,attr"`
	Contents  []Content `xml:"content"`
	Reason    *Reason   `xml:"reason,omitempty"`
}

type Content struct {
	XMLName     xml.Name     `xml:"content"`
	Creator     string       `xml:"creator,attr,omitempty"`
	Name        string       `xml:"name,attr"`
	Senders     string       `xml:"senders,attr,omitempty"`
	Description *Description `xml:"urn:xmpp:jingle:apps:rtp:1 description,omitempty"`
	Transport   *Transport   `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport,omitempty"`
}

type Description struct {
	XMLName      xml.Name      `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Media        string        `xml:"media,attr,omitempty"`
	PayloadTypes []PayloadType `xml:"payload-type"`
	Sources      []Source      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SsrcGroups   []SsrcGroup   `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	RtcpMux      *RtcpMux      `xml:"rtcp-mux,omitempty"`
}

type RtcpMux struct {
	XMLName xml.Name `xml:"rtcp-mux"`
}

type PayloadType struct {
	XMLName    xml.Name    `xml:"payload-type"`
	ID         int         `xml:"id,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	ClockRate  int         `xml:"clockrate,attr,omitempty"`
	Channels   int         `xml:"channels,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
	RtcpFbs    []RtcpFb    `xml:"rtcp-fb"`
}

type RtcpFb struct {
	XMLName xml.Name `xml:"rtcp-fb"`
	Type    string   `xml:"type,attr"`
	Subtype string   `xml:"subtype,attr,omitempty"`
}

type Parameter struct {
	XMLName xml.Name `xml:"parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr,omitempty"`
}

type Source struct {
	XMLName    xml.Name    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SSRC       string      `xml:"ssrc,attr"`
	Parameters []Parameter `xml:"parameter"`
	SsrcInfo   *SsrcInfo   `xml:"http://jitsi.org/jitmeet ssrc-info,omitempty"`
}

// SsrcInfo carries conference-level ownership of an ssrc.
type SsrcInfo struct {
	XMLName xml.Name `xml:"http://jitsi.org/jitmeet ssrc-info"`
	Owner   string   `xml:"owner,attr"`
}

type SsrcGroup struct {
	XMLName   xml.Name          `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	Semantics string            `xml:"semantics,attr"`
	Sources   []SsrcGroupSource `xml:"source"`
}

type SsrcGroupSource struct {
	XMLName xml.Name `xml:"source"`
	SSRC    string   `xml:"ssrc,attr"`
}

type Transport struct {
	XMLName      xml.Name      `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
	Ufrag        string        `xml:"ufrag,attr,omitempty"`
	Pwd          string        `xml:"pwd,attr,omitempty"`
	Fingerprints []Fingerprint `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Candidates   []CandidateEl `xml:"candidate"`
}

type Fingerprint struct {
	XMLName  xml.Name `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Hash     string   `xml:"hash,attr"`
	Setup    string   `xml:"setup,attr,omitempty"`
	Required string   `xml:"required,attr,omitempty"`
	Value    string   `xml:",chardata"`
}

type CandidateEl struct {
	XMLName    xml.Name `xml:"candidate"`
	Foundation string   `xml:"foundation,attr"`
	Component  int      `xml:"component,attr"`
	Protocol   string   `xml:"protocol,attr"`
	Priority   uint64   `xml:"priority,attr"`
	IP         string   `xml:"ip,attr"`
	Port       int      `xml:"port,attr"`
	Type       string   `xml:"type,attr"`
	Generation string   `xml:"generation,attr,omitempty"`
	RelAddr    string   `xml:"rel-addr,attr,omitempty"`
	RelPort    string   `xml:"rel-port,attr,omitempty"`
	ID         string   `xml:"id,attr,omitempty"`
	Network    string   `xml:"network,attr,omitempty"`
}

type Reason struct {
	XMLName   xml.Name `xml:"reason"`
	Condition struct {
		XMLName xml.Name
	} `xml:",any"`
	Text string `xml:"text,omitempty"`
}

func newReason(condition, text string) *Reason {
	reason := &Reason{Text: text}
	reason.Condition.XMLName = xml.Name{Local: condition}
	return reason
}

// IceCandidate is a single local ICE candidate as observed from the peer
// connection, before Jingle encoding.
type IceCandidate struct {
	Candidate     string
	SdpMid        string
	SdpMLineIndex int
	Protocol      string
}

// parseCandidateLine decodes an "a=candidate:..." SDP line (the "a=" prefix
// and the "candidate:" marker are both optional) into a candidate element.
func parseCandidateLine(line string) (*CandidateEl, error) {
	body := line
	if len(body) > 2 && body[:2] == "a=" {
		body = body[2:]
	}
	if len(body) > 10 && body[:10] == "candidate:" {
		body = body[10:]
	}
	fields := strings.Fields(body)
	if len(fields) < 8 || fields[6] != "typ" {
		return nil, InvalidCandidateError
	}
	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, InvalidCandidateError
	}
	priority, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return nil, InvalidCandidateError
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, InvalidCandidateError
	}
	candidate := &CandidateEl{
		Foundation: fields[0],
		Component:  component,
		Protocol:   fields[2],
		Priority:   priority,
		IP:         fields[4],
		Port:       port,
		Type:       fields[7],
	}
	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			candidate.RelAddr = fields[i+1]
		case "rport":
			candidate.RelPort = fields[i+1]
		case "generation":
			candidate.Generation = fields[i+1]
		case "network-id":
			candidate.Network = fields[i+1]
		}
	}
	return candidate, nil
}

func (candidate *CandidateEl) toLine() string {
	line := "a=candidate:" + candidate.Foundation +
		" " + strconv.Itoa(candidate.Component) +
		" " + candidate.Protocol +
		" " + strconv.FormatUint(candidate.Priority, 10) +
		" " + candidate.IP +
		" " + strconv.Itoa(candidate.Port) +
		" typ " + candidate.Type
	if len(candidate.RelAddr) > 0 {
		line += " raddr " + candidate.RelAddr + " rport " + candidate.RelPort
	}
	if len(candidate.Generation) > 0 {
		line += " generation " + candidate.Generation
	}
	return line
}
