package logtypes

// ControlMessageType marks a batch sent by the subscription service to check that the
// destination is reachable. It carries no application records.
const ControlMessageType = "CONTROL_MESSAGE"

// RedactionReport represents PII redaction information for a single message
type RedactionReport struct {
	Applied    bool     `json:"applied"`
	Rules      []string `json:"rules"`
	Categories []string `json:"categories"`
	Count      int      `json:"count"`
}

// LogRecord is one log event delivered by the subscription.
// ID and Timestamp identify the record downstream and are never rewritten.
type LogRecord struct {
	ID              string            `json:"id"`
	Timestamp       int64             `json:"timestamp"` // epoch millis
	Message         string            `json:"message"`
	ExtractedFields map[string]string `json:"extractedFields,omitempty"`
}

// LogBatch is the decoded subscription payload
type LogBatch struct {
	MessageType         string      `json:"messageType,omitempty"`
	Owner               string      `json:"owner,omitempty"`
	SourceGroup         string      `json:"logGroup"`
	SourceStream        string      `json:"logStream"`
	SubscriptionFilters []string    `json:"subscriptionFilters,omitempty"`
	Records             []LogRecord `json:"logEvents"`
}

// IsControl reports whether the batch is a reachability probe rather than data
func (b *LogBatch) IsControl() bool {
	return b.MessageType == ControlMessageType
}

// Destination names the redacted stream a batch is republished to
type Destination struct {
	Group  string `json:"group"`
	Stream string `json:"stream"`
}
