package noise

// EventKind is a collector event category
type EventKind string

const (
	KindProcessCreate        EventKind = "ProcessCreate"
	KindNetworkConnection    EventKind = "NetworkConnection"
	KindImageLoaded          EventKind = "ImageLoaded"
	KindCreateRemoteThread   EventKind = "CreateRemoteThread"
	KindProcessAccess        EventKind = "ProcessAccess"
	KindFileCreate           EventKind = "FileCreate"
	KindRegistryObject       EventKind = "RegistryObject"
	KindFileCreateStreamHash EventKind = "FileCreateStreamHash"
	KindDnsQuery             EventKind = "DnsQuery"
	KindOther                EventKind = "Other"
)

var kindByEventID = map[int]EventKind{
	1:  KindProcessCreate,
	3:  KindNetworkConnection,
	7:  KindImageLoaded,
	8:  KindCreateRemoteThread,
	10: KindProcessAccess,
	11: KindFileCreate,
	12: KindRegistryObject,
	13: KindRegistryObject,
	14: KindRegistryObject,
	15: KindFileCreateStreamHash,
	22: KindDnsQuery,
}

// KindOf maps a collector event id to its kind
func KindOf(eventID int) EventKind {
	if k, ok := kindByEventID[eventID]; ok {
		return k
	}
	return KindOther
}

// Event is one normalized endpoint event. The JSON field names are the wire
// format of the QueryEvents result payload the agent produces.
type Event struct {
	EventID        int    `json:"eventId"`
	Timestamp      string `json:"timestamp,omitempty"`
	Image          string `json:"image,omitempty"`
	DestinationIP  string `json:"destinationIp,omitempty"`
	ImageLoaded    string `json:"imageLoaded,omitempty"`
	TargetFilename string `json:"targetFilename,omitempty"`
	QueryName      string `json:"queryName,omitempty"`
	SourceImage    string `json:"sourceImage,omitempty"`
	TargetImage    string `json:"targetImage,omitempty"`
}

// QueryEventsRequest is the payload of a QueryEvents agent command
type QueryEventsRequest struct {
	TimeRangeHours int   `json:"timeRangeHours"`
	MaxEvents      int   `json:"maxEvents"`
	EventIDs       []int `json:"eventIds"`
}

// MaxSampleEvents caps the sample the engine requests per run
const MaxSampleEvents = 10000
