package events

// EventType names one kind of event on the in-process bus. Emitting
// packages declare their own types as package constants.
type EventType string

type Event struct {
	Type   EventType
	Object interface{}
}

func NewEvent(eventType EventType, object interface{}) *Event {
	return &Event{
		Type:   eventType,
		Object: object,
	}
}

type EventListener struct {
	Callback func(event *Event)
}

func NewEventListener(callback func(event *Event)) *EventListener {
	return &EventListener{
		Callback: callback,
	}
}
