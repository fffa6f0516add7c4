package events

import (
	"encoding/json"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// RunStartedData contains data for RunStarted and RunResumed events
type RunStartedData struct {
	RunID    string `json:"run_id"`
	Subjects int    `json:"subjects"`
	Items    int    `json:"items,omitempty"`
	Workers  int    `json:"workers"`
	Resumed  bool   `json:"resumed,omitempty"`
}

// EventType returns the event type for RunStartedData
func (d *RunStartedData) EventType() EventType {
	if d.Resumed {
		return RunResumed
	}
	return RunStarted
}

// RunProgressData contains data for RunProgress events
type RunProgressData struct {
	RunID        string  `json:"run_id"`
	Done         int     `json:"done"`
	Total        int     `json:"total"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"`
	ErrorRatePct float64 `json:"error_rate_pct"`
	Message      string  `json:"message,omitempty"`
}

// EventType returns the event type for RunProgressData
func (d *RunProgressData) EventType() EventType {
	return RunProgress
}

// SubjectSyncedData contains data for SubjectSynced events
type SubjectSyncedData struct {
	Subject string  `json:"subject"`
	Kind    string  `json:"kind"`
	Action  string  `json:"action"`
	Points  int     `json:"points,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
}

// EventType returns the event type for SubjectSyncedData
func (d *SubjectSyncedData) EventType() EventType {
	return SubjectSynced
}

// SubjectSkippedData contains data for SubjectSkipped events
type SubjectSkippedData struct {
	Subject string `json:"subject"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
}

// EventType returns the event type for SubjectSkippedData
func (d *SubjectSkippedData) EventType() EventType {
	return SubjectSkipped
}

// SubjectFailedData contains data for SubjectFailed events
type SubjectFailedData struct {
	Subject     string `json:"subject"`
	Kind        string `json:"kind"`
	Error       string `json:"error"`
	Attempts    int    `json:"attempts"`
	ServedStale bool   `json:"served_stale"`
}

// EventType returns the event type for SubjectFailedData
func (d *SubjectFailedData) EventType() EventType {
	return SubjectFailed
}

// RunCompletedData contains data for RunCompleted events
type RunCompletedData struct {
	RunID       string  `json:"run_id"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	StaleServed int     `json:"stale_served"`
	Seconds     float64 `json:"seconds"`
}

// EventType returns the event type for RunCompletedData
func (d *RunCompletedData) EventType() EventType {
	return RunCompleted
}

// CacheUpdatedData contains data for CacheUpdated events
type CacheUpdatedData struct {
	Subject string `json:"subject"`
	Kind    string `json:"kind"`
	Points  int    `json:"points,omitempty"`
	Merged  bool   `json:"merged"`
}

// EventType returns the event type for CacheUpdatedData
func (d *CacheUpdatedData) EventType() EventType {
	return CacheUpdated
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// decodePayload unmarshals raw event data into the payload type matching the
// event type.
func decodePayload(eventType EventType, raw json.RawMessage) (EventData, error) {
	var data EventData
	switch eventType {
	case RunStarted, RunResumed:
		data = &RunStartedData{}
	case RunProgress:
		data = &RunProgressData{}
	case RunCompleted:
		data = &RunCompletedData{}
	case SubjectSynced:
		data = &SubjectSyncedData{}
	case SubjectSkipped:
		data = &SubjectSkippedData{}
	case SubjectFailed:
		data = &SubjectFailedData{}
	case CacheUpdated:
		data = &CacheUpdatedData{}
	case ErrorOccurred:
		data = &ErrorEventData{}
	default:
		data = &GenericEventData{Type: eventType}
	}

	if err := json.Unmarshal(raw, data); err != nil {
		return nil, err
	}
	return data, nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
