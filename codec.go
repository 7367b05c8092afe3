package jingle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

const failICEAddress = "1.1.1.1"

func sendersToDirection(senders string) string {
	switch senders {
	case "initiator":
		return "sendonly"
	case "responder":
		return "recvonly"
	case "none":
		return "inactive"
	default:
		return "sendrecv"
	}
}

func directionToSenders(direction string) string {
	switch direction {
	case "sendonly":
		return "initiator"
	case "recvonly":
		return "responder"
	case "inactive":
		return "none"
	default:
		return "both"
	}
}

// fromJingle renders a Jingle element into an SDP snapshot. Contents are
// walked in document order; their order defines the media section order.
func fromJingle(jingleEl *Jingle) *ParsedSDP {
	builder := strings.Builder{}
	builder.WriteString("v=0\r\n")
	builder.WriteString("o=- 1923518516 2 IN IP4 0.0.0.0\r\n")
	builder.WriteString("s=-\r\n")
	builder.WriteString("t=0 0\r\n")
	if len(jingleEl.Contents) > 0 {
		builder.WriteString("a=group:BUNDLE")
		for _, content := range jingleEl.Contents {
			builder.WriteString(" " + contentMid(&content))
		}
		builder.WriteString("\r\n")
	}

	for i := range jingleEl.Contents {
		writeMediaSection(&builder, &jingleEl.Contents[i])
	}
	return NewParsedSDP(builder.String())
}

func contentMid(content *Content) string {
	if len(content.Name) > 0 {
		return content.Name
	}
	if content.Description != nil {
		return content.Description.Media
	}
	return ""
}

func writeMediaSection(builder *strings.Builder, content *Content) {
	description := content.Description
	transport := content.Transport

	if description != nil && len(description.PayloadTypes) > 0 {
		payloadIds := make([]string, len(description.PayloadTypes))
		for i, payloadType := range description.PayloadTypes {
			payloadIds[i] = strconv.Itoa(payloadType.ID)
		}
		fmt.Fprintf(builder, "m=%s 1 RTP/SAVPF %s\r\n", description.Media, strings.Join(payloadIds, " "))
	} else {
		builder.WriteString("m=application 1 DTLS/SCTP 5000\r\n")
	}
	builder.WriteString("c=IN IP4 0.0.0.0\r\n")
	fmt.Fprintf(builder, "a=mid:%s\r\n", contentMid(content))
	fmt.Fprintf(builder, "a=%s\r\n", sendersToDirection(content.Senders))

	if transport != nil {
		if len(transport.Ufrag) > 0 {
			fmt.Fprintf(builder, "a=ice-ufrag:%s\r\n", transport.Ufrag)
		}
		if len(transport.Pwd) > 0 {
			fmt.Fprintf(builder, "a=ice-pwd:%s\r\n", transport.Pwd)
		}
		for _, fingerprint := range transport.Fingerprints {
			fmt.Fprintf(builder, "a=fingerprint:%s %s\r\n", fingerprint.Hash, strings.TrimSpace(fingerprint.Value))
			if len(fingerprint.Setup) > 0 {
				fmt.Fprintf(builder, "a=setup:%s\r\n", fingerprint.Setup)
			}
		}
		for i := range transport.Candidates {
			builder.WriteString(transport.Candidates[i].toLine())
			builder.WriteString("\r\n")
		}
	}

	if description == nil {
		return
	}
	if description.RtcpMux != nil {
		builder.WriteString("a=rtcp-mux\r\n")
	}
	for _, payloadType := range description.PayloadTypes {
		fmt.Fprintf(builder, "a=rtpmap:%d %s/%d", payloadType.ID, payloadType.Name, payloadType.ClockRate)
		if payloadType.Channels > 1 {
			fmt.Fprintf(builder, "/%d", payloadType.Channels)
		}
		builder.WriteString("\r\n")
		if len(payloadType.Parameters) > 0 {
			params := make([]string, len(payloadType.Parameters))
			for i, parameter := range payloadType.Parameters {
				params[i] = parameter.Name + "=" + parameter.Value
			}
			fmt.Fprintf(builder, "a=fmtp:%d %s\r\n", payloadType.ID, strings.Join(params, ";"))
		}
		for _, rtcpFb := range payloadType.RtcpFbs {
			fmt.Fprintf(builder, "a=rtcp-fb:%d %s", payloadType.ID, rtcpFb.Type)
			if len(rtcpFb.Subtype) > 0 {
				builder.WriteString(" " + rtcpFb.Subtype)
			}
			builder.WriteString("\r\n")
		}
	}
	for _, source := range description.Sources {
		for _, parameter := range source.Parameters {
			if len(parameter.Value) > 0 {
				fmt.Fprintf(builder, "a=ssrc:%s %s:%s\r\n", source.SSRC, parameter.Name, parameter.Value)
			} else {
				fmt.Fprintf(builder, "a=ssrc:%s %s\r\n", source.SSRC, parameter.Name)
			}
		}
	}
	for _, ssrcGroup := range description.SsrcGroups {
		ssrcs := make([]string, len(ssrcGroup.Sources))
		for i, groupSource := range ssrcGroup.Sources {
			ssrcs[i] = groupSource.SSRC
		}
		fmt.Fprintf(builder, "a=ssrc-group:%s %s\r\n", ssrcGroup.Semantics, strings.Join(ssrcs, " "))
	}
}

// ToJingle converts the snapshot into Jingle contents appended to jingleEl.
// Grammar-level parsing is delegated to pion/sdp; candidate filtering and the
// failICE rewrite are applied here.
func (parsed *ParsedSDP) ToJingle(jingleEl *Jingle, creator string) error {
	sessionDescription := &sdp.SessionDescription{}
	if err := sessionDescription.Unmarshal([]byte(parsed.Raw)); err != nil {
		return fmt.Errorf("cannot parse local sdp, %v", err)
	}

	for i, mediaDescription := range sessionDescription.MediaDescriptions {
		content := Content{
			Creator: creator,
			Name:    parsed.Mid(i),
			Senders: directionToSenders(mediaDirection(mediaDescription)),
		}
		description := &Description{Media: mediaDescription.MediaName.Media}
		if _, found := mediaDescription.Attribute("rtcp-mux"); found {
			description.RtcpMux = &RtcpMux{}
		}
		description.PayloadTypes = payloadTypesFromMedia(mediaDescription)
		description.Sources = sourcesFromMedia(mediaDescription)
		description.SsrcGroups = ssrcGroupsFromMedia(mediaDescription)
		content.Description = description

		transport, err := parsed.TransportToJingle(i)
		if err != nil {
			return err
		}
		content.Transport = transport
		jingleEl.Contents = append(jingleEl.Contents, content)
	}
	return nil
}

// TransportToJingle builds the <transport> element for one media section,
// with ufrag, pwd, fingerprints and filtered candidates.
func (parsed *ParsedSDP) TransportToJingle(mediaIndex int) (*Transport, error) {
	if mediaIndex < 0 || mediaIndex >= len(parsed.Media) {
		return nil, fmt.Errorf("%w, media index = %v", UnknownContentError, mediaIndex)
	}
	media := parsed.Media[mediaIndex]
	transport := &Transport{}

	if line, found := findLine(media, "a=ice-ufrag:", parsed.Session); found {
		transport.Ufrag = strings.TrimPrefix(line, "a=ice-ufrag:")
	}
	if line, found := findLine(media, "a=ice-pwd:", parsed.Session); found {
		transport.Pwd = strings.TrimPrefix(line, "a=ice-pwd:")
	}

	setup := ""
	if line, found := findLine(media, "a=setup:", parsed.Session); found {
		setup = strings.TrimPrefix(line, "a=setup:")
	}
	for _, line := range findLines(media, "a=fingerprint:") {
		fields := strings.Fields(strings.TrimPrefix(line, "a=fingerprint:"))
		if len(fields) != 2 {
			continue
		}
		transport.Fingerprints = append(transport.Fingerprints, Fingerprint{
			Hash:  fields[0],
			Setup: setup,
			Value: fields[1],
		})
	}
	if len(transport.Fingerprints) == 0 {
		if line, found := findLine(parsed.Session, "a=fingerprint:"); found {
			fields := strings.Fields(strings.TrimPrefix(line, "a=fingerprint:"))
			if len(fields) == 2 {
				transport.Fingerprints = append(transport.Fingerprints, Fingerprint{
					Hash:  fields[0],
					Setup: setup,
					Value: fields[1],
				})
			}
		}
	}

	for _, line := range findLines(media, "a=candidate:") {
		candidate, err := parseCandidateLine(line)
		if err != nil {
			continue
		}
		if !parsed.admitsCandidateProtocol(candidate.Protocol) {
			continue
		}
		if parsed.failICE {
			candidate.IP = failICEAddress
		}
		transport.Candidates = append(transport.Candidates, *candidate)
	}
	return transport, nil
}

func (parsed *ParsedSDP) admitsCandidateProtocol(protocol string) bool {
	switch strings.ToLower(protocol) {
	case "tcp", "ssltcp":
		return !parsed.removeTcpCandidates
	case "udp":
		return !parsed.removeUdpCandidates
	}
	return true
}

func mediaDirection(mediaDescription *sdp.MediaDescription) string {
	for _, direction := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, found := mediaDescription.Attribute(direction); found {
			return direction
		}
	}
	return "sendrecv"
}

func payloadTypesFromMedia(mediaDescription *sdp.MediaDescription) []PayloadType {
	var payloadTypes []PayloadType
	byId := make(map[int]int)
	for _, attribute := range mediaDescription.Attributes {
		if attribute.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(attribute.Value)
		if len(fields) != 2 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		payloadType := PayloadType{ID: id}
		codec := strings.Split(fields[1], "/")
		payloadType.Name = codec[0]
		if len(codec) > 1 {
			payloadType.ClockRate, _ = strconv.Atoi(codec[1])
		}
		if len(codec) > 2 {
			payloadType.Channels, _ = strconv.Atoi(codec[2])
		}
		byId[id] = len(payloadTypes)
		payloadTypes = append(payloadTypes, payloadType)
	}
	for _, attribute := range mediaDescription.Attributes {
		switch attribute.Key {
		case "fmtp":
			fields := strings.Fields(attribute.Value)
			if len(fields) < 2 {
				continue
			}
			id, err := strconv.Atoi(fields[0])
			if err != nil {
				continue
			}
			index, known := byId[id]
			if !known {
				continue
			}
			for _, param := range strings.Split(strings.Join(fields[1:], " "), ";") {
				nameValue := strings.SplitN(strings.TrimSpace(param), "=", 2)
				parameter := Parameter{Name: nameValue[0]}
				if len(nameValue) > 1 {
					parameter.Value = nameValue[1]
				}
				payloadTypes[index].Parameters = append(payloadTypes[index].Parameters, parameter)
			}
		case "rtcp-fb":
			fields := strings.Fields(attribute.Value)
			if len(fields) < 2 {
				continue
			}
			id, err := strconv.Atoi(fields[0])
			if err != nil {
				continue
			}
			index, known := byId[id]
			if !known {
				continue
			}
			rtcpFb := RtcpFb{Type: fields[1]}
			if len(fields) > 2 {
				rtcpFb.Subtype = strings.Join(fields[2:], " ")
			}
			payloadTypes[index].RtcpFbs = append(payloadTypes[index].RtcpFbs, rtcpFb)
		}
	}
	return payloadTypes
}

func sourcesFromMedia(mediaDescription *sdp.MediaDescription) []Source {
	var sources []Source
	bySsrc := make(map[string]int)
	for _, attribute := range mediaDescription.Attributes {
		if attribute.Key != "ssrc" {
			continue
		}
		fields := strings.Fields(attribute.Value)
		if len(fields) < 2 {
			continue
		}
		ssrc := fields[0]
		index, known := bySsrc[ssrc]
		if !known {
			index = len(sources)
			bySsrc[ssrc] = index
			sources = append(sources, Source{SSRC: ssrc})
		}
		nameValue := strings.SplitN(strings.Join(fields[1:], " "), ":", 2)
		parameter := Parameter{Name: nameValue[0]}
		if len(nameValue) > 1 {
			parameter.Value = nameValue[1]
		}
		sources[index].Parameters = append(sources[index].Parameters, parameter)
	}
	return sources
}

func ssrcGroupsFromMedia(mediaDescription *sdp.MediaDescription) []SsrcGroup {
	var ssrcGroups []SsrcGroup
	for _, attribute := range mediaDescription.Attributes {
		if attribute.Key != "ssrc-group" {
			continue
		}
		fields := strings.Fields(attribute.Value)
		if len(fields) < 2 {
			continue
		}
		ssrcGroup := SsrcGroup{Semantics: fields[0]}
		for _, ssrc := range fields[1:] {
			ssrcGroup.Sources = append(ssrcGroup.Sources, SsrcGroupSource{SSRC: ssrc})
		}
		ssrcGroups = append(ssrcGroups, ssrcGroup)
	}
	return ssrcGroups
}
