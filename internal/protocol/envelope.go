package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrEmptyMessage is returned by Parse for blank input.
	ErrEmptyMessage = errors.New("empty message")

	// ErrMalformed is returned by Parse for input that is not an envelope.
	ErrMalformed = errors.New("malformed envelope")
)

// Envelope is the routed unit. The relay treats it as an immutable value;
// the only field it ever fills in is CorrelationID on an inbound Request.
type Envelope struct {
	Type Type `json:"type"`

	// CorrelationID lets endpoints match a Response to its Request.
	// The relay carries it end to end but routes by pairing only.
	CorrelationID string `json:"correlationId,omitempty"`

	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	StatusCode *int   `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// wireEnvelope accepts the sessionId key older clients used for the
// correlation id.
type wireEnvelope struct {
	Envelope
	SessionID string `json:"sessionId,omitempty"`
}

// Parse decodes raw text into an envelope. Unknown fields are ignored.
func Parse(raw string) (*Envelope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyMessage
	}

	var w wireEnvelope
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	env := w.Envelope
	if env.CorrelationID == "" {
		env.CorrelationID = w.SessionID
	}
	return &env, nil
}

// responseEnvelope forces the correlationId key onto a Response whose
// correlation id is empty.
type responseEnvelope struct {
	*Envelope
	CorrelationID string `json:"correlationId"`
}

// Marshal encodes the envelope as JSON text. Absent optional fields are
// omitted, except that a Response always carries correlationId, even when
// it is empty.
func (e *Envelope) Marshal() (string, error) {
	var v any = e
	if e.Type == TypeResponse {
		v = responseEnvelope{Envelope: e, CorrelationID: e.CorrelationID}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(data), nil
}

// Status returns the status code, or 0 when absent.
func (e *Envelope) Status() int {
	if e.StatusCode == nil {
		return 0
	}
	return *e.StatusCode
}

// WithCorrelationID returns a copy of e carrying id.
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	c := *e
	c.CorrelationID = id
	return &c
}

// NewCorrelationID returns a fresh random correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewPing returns a Ping envelope.
func NewPing() *Envelope {
	return &Envelope{Type: TypePing}
}

// NewPong returns a Pong envelope.
func NewPong() *Envelope {
	return &Envelope{Type: TypePong}
}

// NewRequest returns a Request envelope.
func NewRequest(correlationID, method, url string, headers map[string]string, body string) *Envelope {
	return &Envelope{
		Type:          TypeRequest,
		CorrelationID: correlationID,
		Method:        method,
		URL:           url,
		Headers:       headers,
		Body:          body,
	}
}

// NewResponse returns a Response envelope with the given status.
func NewResponse(correlationID string, statusCode int, headers map[string]string, body string) *Envelope {
	return &Envelope{
		Type:          TypeResponse,
		CorrelationID: correlationID,
		Headers:       headers,
		Body:          body,
		StatusCode:    &statusCode,
	}
}

// NewErrorResponse returns a Response envelope describing a failure.
func NewErrorResponse(correlationID string, statusCode int, message string) *Envelope {
	return &Envelope{
		Type:          TypeResponse,
		CorrelationID: correlationID,
		StatusCode:    &statusCode,
		Error:         message,
	}
}
