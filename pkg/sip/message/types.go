package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Message is the common interface for SIP requests and responses
type Message interface {
	// IsRequest returns true if this is a request
	IsRequest() bool

	// IsResponse returns true if this is a response
	IsResponse() bool

	// GetHeader returns the first value of a header
	GetHeader(name string) string

	// GetHeaders returns all values of a header
	GetHeaders(name string) []string

	// SetHeader sets a header value (replaces existing)
	SetHeader(name string, value string)

	// AddHeader adds a header value (appends to existing)
	AddHeader(name string, value string)

	// RemoveHeader removes all values of a header
	RemoveHeader(name string)

	// Body returns the message body
	Body() []byte

	// SetBody sets the message body and updates Content-Length
	SetBody(contentType string, body []byte)

	// CallID returns the Call-ID header value
	CallID() string

	// CSeq returns the parsed CSeq header
	CSeq() (uint32, string, error)

	// Bytes returns the wire representation
	Bytes() []byte

	// String returns the string representation
	String() string
}

// Headers manages SIP headers with case-insensitive names
type Headers struct {
	headers map[string][]string // Normalized name -> values
	order   []string            // Original spelling, first occurrence order
}

// NewHeaders creates a new Headers instance
func NewHeaders() *Headers {
	return &Headers{
		headers: make(map[string][]string),
		order:   make([]string, 0),
	}
}

// normalizeHeaderName normalizes header name for case-insensitive comparison
func normalizeHeaderName(name string) string {
	// Common compact forms
	switch strings.ToLower(name) {
	case "i":
		return "call-id"
	case "m":
		return "contact"
	case "f":
		return "from"
	case "t":
		return "to"
	case "v":
		return "via"
	case "c":
		return "content-type"
	case "l":
		return "content-length"
	case "k":
		return "supported"
	case "s":
		return "subject"
	default:
		return strings.ToLower(name)
	}
}

// Get returns the first value of a header
func (h *Headers) Get(name string) string {
	values := h.GetAll(name)
	if len(values) > 0 {
		return values[0]
	}
	return ""
}

// GetAll returns all values of a header
func (h *Headers) GetAll(name string) []string {
	return h.headers[normalizeHeaderName(name)]
}

// Has reports whether at least one value is present
func (h *Headers) Has(name string) bool {
	return len(h.GetAll(name)) > 0
}

// Set sets a header value (replaces existing)
func (h *Headers) Set(name, value string) {
	normalized := normalizeHeaderName(name)
	if _, exists := h.headers[normalized]; !exists {
		h.order = append(h.order, name)
	}
	h.headers[normalized] = []string{value}
}

// Add adds a header value (appends to existing)
func (h *Headers) Add(name, value string) {
	normalized := normalizeHeaderName(name)

	if _, exists := h.headers[normalized]; !exists {
		h.order = append(h.order, name)
	}

	h.headers[normalized] = append(h.headers[normalized], value)
}

// Remove removes all values of a header
func (h *Headers) Remove(name string) {
	normalized := normalizeHeaderName(name)
	delete(h.headers, normalized)

	h.order = lo.Reject(h.order, func(n string, _ int) bool {
		return normalizeHeaderName(n) == normalized
	})
}

// Names returns header names in wire order
func (h *Headers) Names() []string {
	return append([]string(nil), h.order...)
}

// Clone creates a deep copy of headers
func (h *Headers) Clone() *Headers {
	clone := NewHeaders()
	clone.order = append(clone.order, h.order...)

	for name, values := range h.headers {
		clone.headers[name] = append([]string(nil), values...)
	}

	return clone
}

func (h *Headers) writeTo(sb *strings.Builder) {
	for _, name := range h.order {
		for _, value := range h.headers[normalizeHeaderName(name)] {
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(value)
			sb.WriteString("\r\n")
		}
	}
}

// envelope holds the parts shared by requests and responses
type envelope struct {
	Headers *Headers
	body    []byte
}

// GetHeader returns the first value of a header
func (e *envelope) GetHeader(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers.Get(name)
}

// GetHeaders returns all values of a header
func (e *envelope) GetHeaders(name string) []string {
	if e.Headers == nil {
		return nil
	}
	return e.Headers.GetAll(name)
}

// SetHeader sets a header value
func (e *envelope) SetHeader(name, value string) {
	if e.Headers == nil {
		e.Headers = NewHeaders()
	}
	e.Headers.Set(name, value)
}

// AddHeader adds a header value
func (e *envelope) AddHeader(name, value string) {
	if e.Headers == nil {
		e.Headers = NewHeaders()
	}
	e.Headers.Add(name, value)
}

// RemoveHeader removes a header
func (e *envelope) RemoveHeader(name string) {
	if e.Headers != nil {
		e.Headers.Remove(name)
	}
}

// Body returns the message body
func (e *envelope) Body() []byte {
	return e.body
}

// SetBody sets the body together with Content-Type and Content-Length.
// An empty body removes Content-Type and sets Content-Length to 0.
func (e *envelope) SetBody(contentType string, body []byte) {
	if len(body) == 0 {
		e.body = nil
		e.RemoveHeader("Content-Type")
		e.SetHeader("Content-Length", "0")
		return
	}
	e.body = append([]byte(nil), body...)
	e.SetHeader("Content-Type", contentType)
	e.SetHeader("Content-Length", strconv.Itoa(len(body)))
}

// CallID returns the Call-ID header value
func (e *envelope) CallID() string {
	return e.GetHeader("Call-ID")
}

// CSeq returns the parsed CSeq header
func (e *envelope) CSeq() (uint32, string, error) {
	return ParseCSeq(e.GetHeader("CSeq"))
}

func (e *envelope) clone() envelope {
	c := envelope{}
	if e.Headers != nil {
		c.Headers = e.Headers.Clone()
	}
	if e.body != nil {
		c.body = append([]byte(nil), e.body...)
	}
	return c
}

func (e *envelope) writeTo(sb *strings.Builder) {
	if e.Headers != nil {
		e.Headers.writeTo(sb)
	}
	sb.WriteString("\r\n")
	if len(e.body) > 0 {
		sb.Write(e.body)
	}
}

// Request represents a SIP request
type Request struct {
	Method     string
	RequestURI string
	envelope
}

// NewRequest creates an empty request
func NewRequest(method, requestURI string) *Request {
	return &Request{
		Method:     strings.ToUpper(method),
		RequestURI: requestURI,
		envelope:   envelope{Headers: NewHeaders()},
	}
}

// IsRequest returns true
func (r *Request) IsRequest() bool {
	return true
}

// IsResponse returns false
func (r *Request) IsResponse() bool {
	return false
}

// Clone returns a deep copy
func (r *Request) Clone() *Request {
	return &Request{
		Method:     r.Method,
		RequestURI: r.RequestURI,
		envelope:   r.envelope.clone(),
	}
}

// String returns the string representation
func (r *Request) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s SIP/2.0\r\n", r.Method, r.RequestURI)
	r.envelope.writeTo(&sb)
	return sb.String()
}

// Bytes returns the wire representation
func (r *Request) Bytes() []byte {
	return []byte(r.String())
}

// Response represents a SIP response
type Response struct {
	StatusCode   int
	ReasonPhrase string
	envelope
}

// NewResponse creates an empty response. An empty reason is replaced by
// the default phrase for the code.
func NewResponse(code int, reason string) *Response {
	if reason == "" {
		reason = DefaultReason(code)
	}
	return &Response{
		StatusCode:   code,
		ReasonPhrase: reason,
		envelope:     envelope{Headers: NewHeaders()},
	}
}

// IsRequest returns false
func (r *Response) IsRequest() bool {
	return false
}

// IsResponse returns true
func (r *Response) IsResponse() bool {
	return true
}

// IsProvisional reports a 1xx response
func (r *Response) IsProvisional() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}

// IsSuccess reports a 2xx response
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsFinal reports a 2xx-6xx response
func (r *Response) IsFinal() bool {
	return r.StatusCode >= 200
}

// Clone returns a deep copy
func (r *Response) Clone() *Response {
	return &Response{
		StatusCode:   r.StatusCode,
		ReasonPhrase: r.ReasonPhrase,
		envelope:     r.envelope.clone(),
	}
}

// String returns the string representation
func (r *Response) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SIP/2.0 %d %s\r\n", r.StatusCode, r.ReasonPhrase)
	r.envelope.writeTo(&sb)
	return sb.String()
}

// Bytes returns the wire representation
func (r *Response) Bytes() []byte {
	return []byte(r.String())
}

// Serialize returns the wire form of msg. It is the inverse of Parse for
// every message the codec produced.
func Serialize(msg Message) []byte {
	return msg.Bytes()
}
