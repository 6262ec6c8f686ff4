package beacon

// EventType is the "et" value of a record.
type EventType int

const (
	EventTypeAction       EventType = 1
	EventTypeNamedEvent   EventType = 10
	EventTypeValueString  EventType = 11
	EventTypeValueInt     EventType = 12
	EventTypeValueDouble  EventType = 13
	EventTypeSessionStart EventType = 18
	EventTypeSessionEnd   EventType = 19
	EventTypeWebRequest   EventType = 30
	EventTypeError        EventType = 40
	EventTypeCrash        EventType = 50
	EventTypeIdentifyUser EventType = 60
)
