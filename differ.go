package jingle

import (
	"sort"
	"strings"
)

// SdpDiffer computes, per media section, the ssrc lines and ssrc-groups that
// the other snapshot carries and mine does not. Feeding (new, old) therefore
// yields removals and (old, new) yields additions.
type SdpDiffer struct {
	mine  *ParsedSDP
	other *ParsedSDP
}

func NewSdpDiffer(mine, other *ParsedSDP) *SdpDiffer {
	return &SdpDiffer{mine: mine, other: other}
}

type mediaSsrcs struct {
	// ssrc → attribute rest of each "a=ssrc:<id> <rest>" line
	sources map[string][]string
	// group key → group
	groups map[string]SsrcGroup
}

func collectMediaSsrcs(media string) mediaSsrcs {
	collected := mediaSsrcs{
		sources: make(map[string][]string),
		groups:  make(map[string]SsrcGroup),
	}
	for _, line := range findLines(media, "a=ssrc:") {
		fields := strings.Fields(strings.TrimPrefix(line, "a=ssrc:"))
		if len(fields) < 2 {
			continue
		}
		collected.sources[fields[0]] = append(collected.sources[fields[0]], strings.Join(fields[1:], " "))
	}
	for _, line := range findLines(media, "a=ssrc-group:") {
		fields := strings.Fields(strings.TrimPrefix(line, "a=ssrc-group:"))
		if len(fields) < 2 {
			continue
		}
		group := SsrcGroup{Semantics: fields[0]}
		for _, ssrc := range fields[1:] {
			group.Sources = append(group.Sources, SsrcGroupSource{SSRC: ssrc})
		}
		collected.groups[ssrcGroupKey(group)] = group
	}
	return collected
}

// ssrcGroupKey keys a group by semantics plus the sorted ssrc set, so ssrc
// order inside the line does not affect diffing.
func ssrcGroupKey(group SsrcGroup) string {
	ssrcs := make([]string, len(group.Sources))
	for i, source := range group.Sources {
		ssrcs[i] = source.SSRC
	}
	sort.Strings(ssrcs)
	return group.Semantics + " " + strings.Join(ssrcs, " ")
}

func parseSsrcParameter(rest string) Parameter {
	nameValue := strings.SplitN(rest, ":", 2)
	parameter := Parameter{Name: nameValue[0]}
	if len(nameValue) > 1 {
		parameter.Value = nameValue[1]
	}
	return parameter
}

// ToJingle appends one <content> per media section of other that carries
// sources or ssrc-groups absent from mine, and reports whether anything was
// emitted. Sources that only mine carries are not listed.
func (differ *SdpDiffer) ToJingle(jingleEl *Jingle) bool {
	emitted := false
	for i, otherMedia := range differ.other.Media {
		otherSsrcs := collectMediaSsrcs(otherMedia)
		mineSsrcs := mediaSsrcs{sources: map[string][]string{}, groups: map[string]SsrcGroup{}}
		if i < len(differ.mine.Media) {
			mineSsrcs = collectMediaSsrcs(differ.mine.Media[i])
		}

		description := &Description{Media: differ.other.MediaKind(i)}
		ssrcs := make([]string, 0, len(otherSsrcs.sources))
		for ssrc := range otherSsrcs.sources {
			ssrcs = append(ssrcs, ssrc)
		}
		sort.Strings(ssrcs)
		for _, ssrc := range ssrcs {
			if _, present := mineSsrcs.sources[ssrc]; present {
				continue
			}
			source := Source{SSRC: ssrc}
			for _, rest := range otherSsrcs.sources[ssrc] {
				source.Parameters = append(source.Parameters, parseSsrcParameter(rest))
			}
			description.Sources = append(description.Sources, source)
		}

		groupKeys := make([]string, 0, len(otherSsrcs.groups))
		for key := range otherSsrcs.groups {
			groupKeys = append(groupKeys, key)
		}
		sort.Strings(groupKeys)
		for _, key := range groupKeys {
			if _, present := mineSsrcs.groups[key]; present {
				continue
			}
			description.SsrcGroups = append(description.SsrcGroups, otherSsrcs.groups[key])
		}

		if len(description.Sources) == 0 && len(description.SsrcGroups) == 0 {
			continue
		}
		jingleEl.Contents = append(jingleEl.Contents, Content{
			Name:        differ.other.Mid(i),
			Description: description,
		})
		emitted = true
	}
	return emitted
}
