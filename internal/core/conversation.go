package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"xray-chatbot/pkg"
)

// ErrLocationDenied is returned by a Locator when the user refused to share
// their position.
var ErrLocationDenied = errors.New("location permission denied")

// Relay forwards free text to the conversational NLU service and returns
// its replies in order.
type Relay interface {
	Send(ctx context.Context, sender, message string) ([]string, error)
}

// Predictor classifies an uploaded image.  A nil prediction or an empty
// Disease means the service answered but produced no label.
type Predictor interface {
	Predict(ctx context.Context, upload Upload) (*pkg.Prediction, error)
}

// Reporter renders a session summary into a document.
type Reporter interface {
	Generate(ctx context.Context, req pkg.ReportRequest) (*pkg.Document, error)
}

// Directory finds doctors near a position and confirms a selection among
// the last offered candidates.
type Directory interface {
	Nearby(ctx context.Context, at pkg.Coordinates) (map[int]pkg.Doctor, error)
	Select(ctx context.Context, index int) (*pkg.Doctor, error)
}

// Locator resolves the user's current position.
type Locator interface {
	Locate(ctx context.Context) (pkg.Coordinates, error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ctx context.Context) (pkg.Coordinates, error)

func (f LocatorFunc) Locate(ctx context.Context) (pkg.Coordinates, error) { return f(ctx) }

// Publisher stores a generated document and returns a link the user can
// download it from.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, doc pkg.Document) (pkg.ReportLink, error)
}

// Sink receives every event a conversation produces, in log order.  Emit is
// called with the conversation lock held and must not block.
type Sink interface {
	Emit(event pkg.Event)
}

// Dependencies bundles the external services a conversation talks to.
type Dependencies struct {
	Relay     Relay
	Predictor Predictor
	Reporter  Reporter
	Directory Directory
	Publisher Publisher
}

// Upload is a file picked by the user for analysis.
type Upload struct {
	Filename string
	Data     []byte
}

// Mode is the input-classification state of a conversation.
type Mode int

const (
	// ModeIdle classifies input by content: report command or chat relay.
	ModeIdle Mode = iota
	// ModeAwaitingUsername treats the next input as the user's name.
	ModeAwaitingUsername
	// ModeAwaitingDoctorSelection treats input as an index into the
	// offered doctors.
	ModeAwaitingDoctorSelection
)

func (m Mode) String() string {
	switch m {
	case ModeAwaitingUsername:
		return "awaiting_username"
	case ModeAwaitingDoctorSelection:
		return "awaiting_doctor_selection"
	default:
		return "idle"
	}
}

// MarshalText lets Mode appear by name in JSON responses.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(text []byte) error {
	for _, candidate := range []Mode{ModeIdle, ModeAwaitingUsername, ModeAwaitingDoctorSelection} {
		if candidate.String() == string(text) {
			*m = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", text)
}

// State is a copy of a conversation's session state.
type State struct {
	Mode             Mode
	Username         *string
	PredictedDisease *string
	DoctorOptions    map[int]pkg.Doctor
	SelectedDoctor   *pkg.Doctor
}

// Conversation is the controller for a single chat session.  It owns the
// append-only message log and the session state, classifies each user input
// and dispatches it to the matching external service.
//
// The mutex only protects memory: it is never held across a network call,
// so flows started in quick succession are not serialised and the last one
// to finish wins on shared fields.
type Conversation struct {
	id        string
	anonymous string
	deps      Dependencies
	sinks     []Sink
	now       func() time.Time
	logger    zerolog.Logger

	mu               sync.Mutex
	history          []pkg.Message
	mode             Mode
	username         *string
	predictedDisease *string
	doctorOptions    map[int]pkg.Doctor
	selectedDoctor   *pkg.Doctor
}

// NewConversation starts a conversation and appends the greeting.
func NewConversation(id string, deps Dependencies, sinks ...Sink) *Conversation {
	c := &Conversation{
		id:        id,
		anonymous: "anonymous-" + id,
		deps:      deps,
		sinks:     sinks,
		now:       time.Now,
		logger:    log.With().Str("component", "conversation").Str("session_id", id).Logger(),
	}
	c.mu.Lock()
	c.appendLocked(nil, pkg.SenderBot, Greeting)
	c.mu.Unlock()
	return c
}

// ID returns the session identifier.
func (c *Conversation) ID() string { return c.id }

// Senders returns every sender name this conversation has used or will use
// with the relay.
func (c *Conversation) Senders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []string{c.anonymous}
	if c.username != nil && *c.username != c.anonymous {
		out = append(out, *c.username)
	}
	return out
}

// Messages returns a copy of the log.
func (c *Conversation) Messages() []pkg.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pkg.Message, len(c.history))
	copy(out, c.history)
	return out
}

// State returns a copy of the session state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{Mode: c.mode}
	if c.username != nil {
		v := *c.username
		s.Username = &v
	}
	if c.predictedDisease != nil {
		v := *c.predictedDisease
		s.PredictedDisease = &v
	}
	if c.selectedDoctor != nil {
		v := *c.selectedDoctor
		s.SelectedDoctor = &v
	}
	s.DoctorOptions = make(map[int]pkg.Doctor, len(c.doctorOptions))
	for k, v := range c.doctorOptions {
		s.DoctorOptions[k] = v
	}
	return s
}

// turn collects the messages appended while handling one user action.
type turn struct {
	messages []pkg.Message
}

func (c *Conversation) appendLocked(t *turn, sender pkg.Sender, text string) pkg.Message {
	return c.appendMessageLocked(t, pkg.Message{Sender: sender, Text: text})
}

func (c *Conversation) appendMessageLocked(t *turn, msg pkg.Message) pkg.Message {
	msg.CreatedAt = c.now()
	c.history = append(c.history, msg)
	if t != nil {
		t.messages = append(t.messages, msg)
	}
	c.emitLocked(pkg.Event{Kind: pkg.EventMessage, SessionID: c.id, Message: &msg})
	return msg
}

func (c *Conversation) emitLocked(event pkg.Event) {
	for _, s := range c.sinks {
		s.Emit(event)
	}
}

// settleLocked derives the mode from the remaining state.  Username capture
// keeps priority while it is pending.
func (c *Conversation) settleLocked() {
	if c.mode == ModeAwaitingUsername {
		return
	}
	if len(c.doctorOptions) > 0 {
		c.mode = ModeAwaitingDoctorSelection
		return
	}
	c.mode = ModeIdle
}
