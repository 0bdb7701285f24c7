package noise

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sentinelops/scp/pkg/types"
)

// Role classifies a host for threshold selection
type Role string

const (
	RoleWorkstation      Role = "Workstation"
	RoleServer           Role = "Server"
	RoleDomainController Role = "DomainController"
)

// RoleOf infers the host role from its OS string and directory DN
func RoleOf(h *types.Host) Role {
	osName := strings.ToLower(h.OS)
	dn := strings.ToLower(h.DirectoryDN)

	if strings.Contains(osName, "domain controller") || strings.Contains(dn, "ou=domain controllers") || strings.Contains(dn, "cn=domain controllers") {
		return RoleDomainController
	}
	if strings.Contains(osName, "server") {
		return RoleServer
	}
	return RoleWorkstation
}

// thresholds are expected events per hour before a group is considered noisy
var thresholds = map[Role]map[EventKind]float64{
	RoleWorkstation: {
		KindProcessCreate:     200,
		KindNetworkConnection: 500,
		KindImageLoaded:       2000,
		KindFileCreate:        1000,
		KindDnsQuery:          300,
	},
	RoleServer: {
		KindProcessCreate:     500,
		KindNetworkConnection: 2000,
		KindImageLoaded:       5000,
		KindFileCreate:        5000,
		KindDnsQuery:          500,
	},
	RoleDomainController: {
		KindProcessCreate:     1000,
		KindNetworkConnection: 5000,
		KindImageLoaded:       10000,
		KindFileCreate:        10000,
		KindDnsQuery:          2000,
	},
}

const defaultThreshold = 100

// Threshold returns the events-per-hour threshold for a role and event kind
func Threshold(role Role, kind EventKind) float64 {
	if kind == KindFileCreateStreamHash {
		kind = KindFileCreate
	}
	if t, ok := thresholds[role][kind]; ok {
		return t
	}
	return defaultThreshold
}

// Score maps an event rate to a noise score in [0, 1]. r is the observed
// rate divided by the role threshold.
func Score(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r < 1:
		return 0.3 * r
	case r < 2:
		return 0.3 + 0.2*(r-1)
	case r < 5:
		return 0.5 + (r-2)/3*0.2
	default:
		s := 0.7 + (r-5)/10*0.3
		if s > 1.0 {
			return 1.0
		}
		return s
	}
}

// Level buckets a score for display
type Level string

const (
	LevelNormal    Level = "Normal"
	LevelNoisy     Level = "Noisy"
	LevelVeryNoisy Level = "VeryNoisy"
)

// LevelOf returns the display level for a score
func LevelOf(score float64) Level {
	switch {
	case score >= 0.7:
		return LevelVeryNoisy
	case score >= 0.5:
		return LevelNoisy
	default:
		return LevelNormal
	}
}

// GroupingKey builds the event-kind-specific aggregation key. The key always
// carries the acting image plus one discriminating field.
func GroupingKey(e *Event) string {
	switch KindOf(e.EventID) {
	case KindNetworkConnection:
		return e.Image + " -> " + e.DestinationIP
	case KindImageLoaded:
		return e.Image + " + " + e.ImageLoaded
	case KindFileCreate, KindFileCreateStreamHash:
		return e.Image + " -> " + parentDir(e.TargetFilename)
	case KindDnsQuery:
		return e.Image + " ? " + e.QueryName
	case KindCreateRemoteThread:
		return e.SourceImage
	case KindProcessAccess:
		return e.SourceImage + " -> " + e.TargetImage
	default:
		return e.Image
	}
}

// parentDir strips the file name from a Windows path
func parentDir(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i > 0 {
		return path[:i]
	}
	return path
}

// Group is one aggregated event pattern
type Group struct {
	EventID     int
	Kind        EventKind
	GroupingKey string
	Count       int
	Score       float64
	Level       Level

	// Representative event, used for exclusion synthesis
	Sample Event
}

// Aggregate groups events, scores each group against the role thresholds, and
// returns groups sorted by descending score then count.
func Aggregate(events []Event, role Role, timeRangeHours int) []*Group {
	if timeRangeHours <= 0 {
		timeRangeHours = 1
	}

	groups := make(map[string]*Group)
	for i := range events {
		e := &events[i]
		key := GroupingKey(e)
		if strings.TrimSpace(key) == "" || strings.TrimSpace(e.Image+e.SourceImage) == "" {
			continue
		}
		id := e.EventID
		g, ok := groups[mapKey(id, key)]
		if !ok {
			g = &Group{EventID: id, Kind: KindOf(id), GroupingKey: key, Sample: *e}
			groups[mapKey(id, key)] = g
		}
		g.Count++
	}

	out := make([]*Group, 0, len(groups))
	for _, g := range groups {
		rate := float64(g.Count) / float64(timeRangeHours)
		r := rate / Threshold(role, g.Kind)
		g.Score = Score(r)
		g.Level = LevelOf(g.Score)
		out = append(out, g)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].GroupingKey < out[j].GroupingKey
	})
	return out
}

func mapKey(eventID int, groupingKey string) string {
	return strconv.Itoa(eventID) + "|" + groupingKey
}
