package jingle

import (
	"strings"
)

func insertLine(lines []string, index int, line string) []string {
	if len(lines) == index { // nil or empty slice or after last element
		return append(lines, line)
	}
	lines = append(lines[:index+1], lines[index:]...) // index < len(lines)
	lines[index] = line
	return lines
}

func removeLine(lines []string, index int) []string {
	return append(lines[:index], lines[index+1:]...)
}

// ParsedSDP is a snapshot of one SDP text, split into the session-level block
// and the ordered per-media-section blocks. Raw is kept consistent with
// Session and Media after every mutation. Media order matches the order of
// Jingle contents and the sdpMLineIndex of ICE candidates.
type ParsedSDP struct {
	Session string
	Media   []string
	Raw     string

	removeTcpCandidates bool
	removeUdpCandidates bool
	failICE             bool
}

func NewParsedSDP(raw string) *ParsedSDP {
	parsed := &ParsedSDP{}
	sessionBuilder := strings.Builder{}
	var mediaBuilder *strings.Builder
	for _, line := range splitLinesAfter(raw) {
		if strings.HasPrefix(line, "m=") {
			if mediaBuilder != nil {
				parsed.Media = append(parsed.Media, mediaBuilder.String())
			}
			mediaBuilder = &strings.Builder{}
		}
		if mediaBuilder != nil {
			mediaBuilder.WriteString(line)
		} else {
			sessionBuilder.WriteString(line)
		}
	}
	if mediaBuilder != nil {
		parsed.Media = append(parsed.Media, mediaBuilder.String())
	}
	parsed.Session = sessionBuilder.String()
	parsed.rebuildRaw()
	return parsed
}

// splitLinesAfter splits on "\n" keeping terminators, so blocks can be
// reassembled byte-exact.
func splitLinesAfter(text string) []string {
	if len(text) == 0 {
		return nil
	}
	return strings.SplitAfter(strings.TrimSuffix(text, "\n")+"\n", "\n")
}

func (parsed *ParsedSDP) rebuildRaw() {
	builder := strings.Builder{}
	builder.WriteString(parsed.Session)
	for _, media := range parsed.Media {
		builder.WriteString(media)
	}
	parsed.Raw = builder.String()
}

// findLine returns the first line of block starting with prefix. When absent
// and a session fallback block is given, the fallback is searched too.
func findLine(block, prefix string, sessionFallback ...string) (string, bool) {
	for _, line := range strings.Split(block, "\r\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSuffix(line, "\n"), true
		}
	}
	for _, fallback := range sessionFallback {
		if line, found := findLine(fallback, prefix); found {
			return line, true
		}
	}
	return "", false
}

func findLines(block, prefix string) []string {
	var lines []string
	for _, line := range strings.Split(block, "\r\n") {
		if strings.HasPrefix(line, prefix) {
			lines = append(lines, strings.TrimSuffix(line, "\n"))
		}
	}
	return lines
}

// ContainsSSRC reports whether any media section carries an a=ssrc line for
// the given ssrc.
func (parsed *ParsedSDP) ContainsSSRC(ssrc string) bool {
	needle := "a=ssrc:" + ssrc + " "
	for _, media := range parsed.Media {
		if strings.Contains(media, needle) {
			return true
		}
	}
	return false
}

// MediaIndexForMid returns the index of the media section whose a=mid value
// equals mid, or -1.
func (parsed *ParsedSDP) MediaIndexForMid(mid string) int {
	for i, media := range parsed.Media {
		if line, found := findLine(media, "a=mid:"); found {
			if strings.TrimPrefix(line, "a=mid:") == mid {
				return i
			}
		}
	}
	return -1
}

// Mid returns the a=mid value of media section i, falling back to the media
// kind from the m= line.
func (parsed *ParsedSDP) Mid(i int) string {
	if i < 0 || i >= len(parsed.Media) {
		return ""
	}
	if line, found := findLine(parsed.Media[i], "a=mid:"); found {
		return strings.TrimPrefix(line, "a=mid:")
	}
	return parsed.MediaKind(i)
}

// MediaKind returns the media type of section i from its m= line.
func (parsed *ParsedSDP) MediaKind(i int) string {
	if i < 0 || i >= len(parsed.Media) {
		return ""
	}
	mLine, _ := findLine(parsed.Media[i], "m=")
	fields := strings.Fields(strings.TrimPrefix(mLine, "m="))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Ufrag returns the ICE username fragment of the first media section, with
// session-level fallback.
func (parsed *ParsedSDP) Ufrag() string {
	if len(parsed.Media) == 0 {
		line, _ := findLine(parsed.Session, "a=ice-ufrag:")
		return strings.TrimPrefix(line, "a=ice-ufrag:")
	}
	line, _ := findLine(parsed.Media[0], "a=ice-ufrag:", parsed.Session)
	return strings.TrimPrefix(line, "a=ice-ufrag:")
}

// AddMediaLines appends lines to media section i, before its terminator.
func (parsed *ParsedSDP) AddMediaLines(i int, lines []string) {
	if i < 0 || i >= len(parsed.Media) || len(lines) == 0 {
		return
	}
	mediaLines := strings.Split(strings.TrimSuffix(parsed.Media[i], "\r\n"), "\r\n")
	for _, line := range lines {
		mediaLines = insertLine(mediaLines, len(mediaLines), line)
	}
	parsed.Media[i] = strings.Join(mediaLines, "\r\n") + "\r\n"
	parsed.rebuildRaw()
}

// RemoveMediaLines strips every exact occurrence of the given lines from
// media section i.
func (parsed *ParsedSDP) RemoveMediaLines(i int, lines []string) {
	if i < 0 || i >= len(parsed.Media) || len(lines) == 0 {
		return
	}
	strip := make(map[string]bool, len(lines))
	for _, line := range lines {
		strip[line] = true
	}
	mediaLines := strings.Split(strings.TrimSuffix(parsed.Media[i], "\r\n"), "\r\n")
	for j := 0; j < len(mediaLines); j++ {
		if strip[mediaLines[j]] {
			mediaLines = removeLine(mediaLines, j)
			j--
		}
	}
	parsed.Media[i] = strings.Join(mediaLines, "\r\n") + "\r\n"
	parsed.rebuildRaw()
}

// Clone returns an independent copy sharing no mutable state.
func (parsed *ParsedSDP) Clone() *ParsedSDP {
	clone := &ParsedSDP{
		Session:             parsed.Session,
		Media:               append([]string(nil), parsed.Media...),
		Raw:                 parsed.Raw,
		removeTcpCandidates: parsed.removeTcpCandidates,
		removeUdpCandidates: parsed.removeUdpCandidates,
		failICE:             parsed.failICE,
	}
	return clone
}

// SetCandidateFilters configures which candidate protocols are dropped and
// whether candidate IPs are rewritten to 1.1.1.1 during Jingle emission.
func (parsed *ParsedSDP) SetCandidateFilters(removeTcp, removeUdp, failICE bool) {
	parsed.removeTcpCandidates = removeTcp
	parsed.removeUdpCandidates = removeUdp
	parsed.failICE = failICE
}
