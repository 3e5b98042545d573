package model

// DatasetWriter persists extracted flow records as labeled training rows.
// Implementations are used by the collect mode of the controller.
type DatasetWriter interface {
	// Write appends one polling cycle worth of records with the given label.
	Write(records []FlowRecord, label int) error

	// Close flushes buffered rows and releases the underlying store.
	Close() error
}

// EventSink receives mitigation audit events. Record must not block for long,
// it is called from the reply workers.
type EventSink interface {
	Record(event MitigationEvent)
}
