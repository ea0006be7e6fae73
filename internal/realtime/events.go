package realtime

// Event is a typed inbound session event. The session manager consumes these
// from Session.Events() and routes them to the aggregator and the playback
// scheduler.
type Event interface {
	eventType() string
}

// SetupCompleteEvent is the endpoint's session-establishment acknowledgment.
type SetupCompleteEvent struct{}

func (SetupCompleteEvent) eventType() string { return "setup_complete" }

// AudioEvent carries one model audio payload, still base64-encoded.
type AudioEvent struct {
	MimeType string
	Data     string
}

func (AudioEvent) eventType() string { return "audio" }

// InputTranscriptionEvent is a partial transcription fragment of user speech.
type InputTranscriptionEvent struct {
	Text string
}

func (InputTranscriptionEvent) eventType() string { return "input_transcription" }

// OutputTranscriptionEvent is a partial transcription fragment of model speech.
type OutputTranscriptionEvent struct {
	Text string
}

func (OutputTranscriptionEvent) eventType() string { return "output_transcription" }

// TurnCompleteEvent signals the end of the current exchange.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) eventType() string { return "turn_complete" }

// InterruptedEvent signals barge-in: the user spoke over model playback.
type InterruptedEvent struct{}

func (InterruptedEvent) eventType() string { return "interrupted" }

// ClosedEvent is the final event on the channel before it closes.
type ClosedEvent struct {
	// Clean is true when the session closed normally (locally requested
	// or a normal close frame from the endpoint).
	Clean bool
	Err   error
}

func (ClosedEvent) eventType() string { return "closed" }
