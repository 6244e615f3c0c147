package pkg

import "time"

// Sender describes who authored a message.  A conversation only ever has
// two parties: the user typing into the widget and the bot.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is a single entry of a conversation log.  Messages are never
// modified once appended; the position in the log is the display order.
type Message struct {
	Sender    Sender      `json:"sender"`
	Text      string      `json:"text"`
	Report    *ReportLink `json:"report,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ReportLink points at a generated report document that the presentation
// layer can offer as a download.
type ReportLink struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Doctor is a candidate returned by the directory service.  The controller
// only displays it and hands it back to the report service.
type Doctor struct {
	Name           string `json:"name"`
	Location       string `json:"location"`
	Specialization string `json:"specialization,omitempty"`
}

// Coordinates are the user's geographic position as reported by the browser.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ChatEntry is the chat_history element sent to the report service.
type ChatEntry struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// ReportRequest is the session summary rendered into a report document.
// Doctor is serialised as null when no selection was confirmed.
type ReportRequest struct {
	UserName    string      `json:"user_name"`
	Disease     string      `json:"disease"`
	ChatHistory []ChatEntry `json:"chat_history"`
	Doctor      *Doctor     `json:"doctor"`
}

// Document is a binary artefact returned by the report service.
type Document struct {
	Data        []byte `json:"-"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
}

// Prediction is the prediction service's verdict for an uploaded image.
type Prediction struct {
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence,omitempty"`
}

// EventKind identifies what a conversation event carries.
type EventKind string

const (
	EventMessage     EventKind = "message"
	EventReportReady EventKind = "report_ready"
)

// Event is emitted by a conversation to its sinks.  Message is set for
// EventMessage and Report for EventReportReady.
type Event struct {
	Kind      EventKind   `json:"kind"`
	SessionID string      `json:"session_id"`
	Message   *Message    `json:"message,omitempty"`
	Report    *ReportLink `json:"report,omitempty"`
}

// SessionInfo is returned when a new conversation is started.
type SessionInfo struct {
	SessionID string `json:"session_id"`
	StartURL  string `json:"start_url"`
}
