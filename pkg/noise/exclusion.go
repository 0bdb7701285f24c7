package noise

import (
	"fmt"
	"strings"

	"github.com/sentinelops/scp/pkg/types"
)

// SuggestionThreshold is the minimum score for which an exclusion is synthesized
const SuggestionThreshold = 0.5

// elementByKind maps an event kind to its rule element name in the collector
// configuration schema
var elementByKind = map[EventKind]string{
	KindProcessCreate:        "ProcessCreate",
	KindNetworkConnection:    "NetworkConnect",
	KindImageLoaded:          "ImageLoad",
	KindCreateRemoteThread:   "CreateRemoteThread",
	KindProcessAccess:        "ProcessAccess",
	KindFileCreate:           "FileCreate",
	KindFileCreateStreamHash: "FileCreateStreamHash",
	KindRegistryObject:       "RegistryEvent",
	KindDnsQuery:             "DnsQuery",
}

// SuggestedExclusion synthesizes the exclusion rule snippet for a group, or
// "" when the group scores below the suggestion threshold or has no usable
// image field. All field values are XML-escaped.
func SuggestedExclusion(g *Group) string {
	if g.Score < SuggestionThreshold {
		return ""
	}
	element, ok := elementByKind[g.Kind]
	if !ok {
		element = "ProcessCreate"
	}

	var fields []string
	add := func(name, condition, value string) {
		if value == "" {
			return
		}
		fields = append(fields, fmt.Sprintf(`  <%s condition="%s">%s</%s>`, name, condition, escapeXML(value), name))
	}

	switch g.Kind {
	case KindNetworkConnection:
		add("Image", "is", g.Sample.Image)
		add("DestinationIp", "is", g.Sample.DestinationIP)
	case KindImageLoaded:
		add("Image", "is", g.Sample.Image)
		add("ImageLoaded", "is", g.Sample.ImageLoaded)
	case KindFileCreate, KindFileCreateStreamHash:
		add("Image", "is", g.Sample.Image)
		add("TargetFilename", "begin with", parentDir(g.Sample.TargetFilename))
	case KindDnsQuery:
		add("Image", "is", g.Sample.Image)
		add("QueryName", "is", g.Sample.QueryName)
	case KindCreateRemoteThread:
		add("SourceImage", "is", g.Sample.SourceImage)
	case KindProcessAccess:
		add("SourceImage", "is", g.Sample.SourceImage)
		add("TargetImage", "is", g.Sample.TargetImage)
	default:
		add("Image", "is", g.Sample.Image)
	}

	if len(fields) == 0 {
		return ""
	}
	return fmt.Sprintf("<%s onmatch=\"exclude\">\n%s\n</%s>", element, strings.Join(fields, "\n"), element)
}

// BuildPack renders the exclusion rules of one run as a rule-group document
// fragment, grouping snippets by event kind and annotating each with its
// score and observed count. Results below minScore are skipped.
func BuildPack(results []*types.NoiseResult, minScore float64) string {
	if minScore <= 0 {
		minScore = SuggestionThreshold
	}

	byKind := make(map[EventKind][]*types.NoiseResult)
	var order []EventKind
	for _, r := range results {
		if r.NoiseScore < minScore || r.SuggestedExclusion == "" {
			continue
		}
		kind := KindOf(r.EventID)
		if _, seen := byKind[kind]; !seen {
			order = append(order, kind)
		}
		byKind[kind] = append(byKind[kind], r)
	}
	if len(order) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("<RuleGroup name=\"noise-exclusions\" groupRelation=\"or\">\n")
	for _, kind := range order {
		fmt.Fprintf(&b, "  <!-- %s -->\n", kind)
		for _, r := range byKind[kind] {
			fmt.Fprintf(&b, "  <!-- %s {score=%.2f, count=%d} -->\n", escapeXMLComment(r.GroupingKey), r.NoiseScore, r.EventCount)
			b.WriteString(indent(r.SuggestedExclusion, "  "))
			b.WriteString("\n")
		}
	}
	b.WriteString("</RuleGroup>\n")
	return b.String()
}

// CommonPattern is a grouped pattern shared across hosts
type CommonPattern struct {
	EventID     int
	GroupingKey string
	HostCount   int
	MeanScore   float64
}

// CommonPatterns compares per-host results and returns the patterns that
// appear with score >= 0.5 on more than half the hosts.
func CommonPatterns(perHost map[uint64][]*types.NoiseResult) []*CommonPattern {
	type acc struct {
		hosts map[uint64]bool
		sum   float64
	}
	patterns := make(map[string]*acc)
	meta := make(map[string]*types.NoiseResult)

	for hostID, results := range perHost {
		for _, r := range results {
			if r.NoiseScore < SuggestionThreshold {
				continue
			}
			key := fmt.Sprintf("%d|%s", r.EventID, r.GroupingKey)
			a, ok := patterns[key]
			if !ok {
				a = &acc{hosts: make(map[uint64]bool)}
				patterns[key] = a
				meta[key] = r
			}
			if !a.hosts[hostID] {
				a.hosts[hostID] = true
				a.sum += r.NoiseScore
			}
		}
	}

	majority := len(perHost) / 2
	var out []*CommonPattern
	for key, a := range patterns {
		if len(a.hosts) <= majority {
			continue
		}
		r := meta[key]
		out = append(out, &CommonPattern{
			EventID:     r.EventID,
			GroupingKey: r.GroupingKey,
			HostCount:   len(a.hosts),
			MeanScore:   a.sum / float64(len(a.hosts)),
		})
	}
	return out
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}

// escapeXMLComment keeps a value safe inside an XML comment, where "--"
// terminates parsing early
func escapeXMLComment(s string) string {
	return strings.ReplaceAll(escapeXML(s), "--", "- -")
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
