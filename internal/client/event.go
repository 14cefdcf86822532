package client

import (
	"time"

	"github.com/lexiqai/doctalk/internal/ingestion"
	"github.com/lexiqai/doctalk/internal/session"
	"github.com/lexiqai/doctalk/internal/transcript"
)

// EventType classifies an Event.
type EventType string

const (
	EventState       EventType = "state"
	EventWarning     EventType = "warning"
	EventDeviceError EventType = "device_error"
	// EventFatal means automatic reconnects stopped; call Connect to retry.
	EventFatal      EventType = "fatal"
	EventIngestion  EventType = "ingestion"
	EventTranscript EventType = "transcript"
)

// Event is something the presentation layer may want to show. Only the
// fields relevant to Type are set.
type Event struct {
	Type    EventType
	Time    time.Time
	State   session.State
	Err     error
	Outcome ingestion.Outcome
	Entry   transcript.Entry
}
