package session

// State is the externally visible session state published to the UI.
type State struct {
	// Connecting is true between Start and the endpoint's setup ack.
	Connecting bool `json:"connecting"`

	// Connected is true while the realtime session is open.
	Connected bool `json:"connected"`

	// Listening is true while the session is open and the assistant is not
	// rendering audio.
	Listening bool `json:"listening"`

	// Speaking is true while assistant audio is scheduled or rendering.
	Speaking bool `json:"speaking"`
}

// Events receives session-level notifications for the UI boundary. All
// methods may be called from internal goroutines and must not block.
type Events interface {
	StateChanged(State)
	InputLevel(rms float64)
	ErrorSurfaced(kind Kind, message string, needsAuth bool)
	ErrorCleared()
}
