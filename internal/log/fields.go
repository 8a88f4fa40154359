package log

// Canonical field name constants for structured logging.
const (
	FieldComponent = "component"
	FieldEvent     = "event"

	// Bridge fields
	FieldConnID    = "conn_id"
	FieldAddress   = "address"
	FieldEventType = "event_type"
	FieldFailure   = "failure_type"
	FieldReason    = "reason"

	// Transport fields
	FieldRemoteAddr = "remote_addr"
	FieldPath       = "path"
)
