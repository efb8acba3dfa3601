package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// RequestBuilder helps build SIP requests
type RequestBuilder struct {
	req         *Request
	maxForwards int
}

// BuildRequest starts a request builder. The Request-URI is validated on
// Build.
func BuildRequest(method, requestURI string) *RequestBuilder {
	return &RequestBuilder{
		req:         NewRequest(method, requestURI),
		maxForwards: 70, // RFC 3261 default
	}
}

// Via adds a Via header
func (b *RequestBuilder) Via(transport, hostPort, branch string) *RequestBuilder {
	via := fmt.Sprintf("SIP/2.0/%s %s", strings.ToUpper(transport), hostPort)
	if branch != "" {
		via += ";branch=" + branch
	}
	b.req.AddHeader("Via", via)
	return b
}

// From sets the From header
func (b *RequestBuilder) From(addr, tag string) *RequestBuilder {
	b.req.SetHeader("From", WithTag(nameAddr(addr), tag))
	return b
}

// To sets the To header
func (b *RequestBuilder) To(addr, tag string) *RequestBuilder {
	b.req.SetHeader("To", WithTag(nameAddr(addr), tag))
	return b
}

// CallID sets the Call-ID header
func (b *RequestBuilder) CallID(callID string) *RequestBuilder {
	b.req.SetHeader("Call-ID", callID)
	return b
}

// CSeq sets the CSeq header
func (b *RequestBuilder) CSeq(seq uint32) *RequestBuilder {
	b.req.SetHeader("CSeq", FormatCSeq(seq, b.req.Method))
	return b
}

// Contact sets the Contact header
func (b *RequestBuilder) Contact(uri string) *RequestBuilder {
	if uri != "" {
		b.req.SetHeader("Contact", nameAddr(uri))
	}
	return b
}

// MaxForwards sets the Max-Forwards value
func (b *RequestBuilder) MaxForwards(value int) *RequestBuilder {
	b.maxForwards = value
	return b
}

// Header adds a custom header
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.req.AddHeader(name, value)
	return b
}

// Routes adds Route headers in order
func (b *RequestBuilder) Routes(routes []string) *RequestBuilder {
	for _, r := range routes {
		b.req.AddHeader("Route", r)
	}
	return b
}

// Body sets the message body
func (b *RequestBuilder) Body(contentType string, body []byte) *RequestBuilder {
	b.req.SetBody(contentType, body)
	return b
}

// Build creates the final Request
func (b *RequestBuilder) Build() (*Request, error) {
	var uri sip.Uri
	if err := sip.ParseUri(b.req.RequestURI, &uri); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURI, err)
	}

	if b.req.GetHeader("Max-Forwards") == "" {
		b.req.SetHeader("Max-Forwards", strconv.Itoa(b.maxForwards))
	}
	if b.req.GetHeader("Content-Length") == "" {
		b.req.SetHeader("Content-Length", "0")
	}

	for _, header := range mandatoryHeaders {
		if b.req.GetHeader(header) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingHeader, header)
		}
	}

	return b.req, nil
}

// ResponseFor builds a response to req copying Via, From, To, Call-ID and
// CSeq (RFC 3261 §8.2.6.2). toTag is added to To when it carries none.
func ResponseFor(req *Request, code int, reason, toTag string) *Response {
	resp := NewResponse(code, reason)

	for _, via := range req.GetHeaders("Via") {
		resp.AddHeader("Via", via)
	}
	resp.SetHeader("From", req.GetHeader("From"))

	to := req.GetHeader("To")
	if code != 100 {
		to = WithTag(to, toTag)
	}
	resp.SetHeader("To", to)
	resp.SetHeader("Call-ID", req.GetHeader("Call-ID"))
	resp.SetHeader("CSeq", req.GetHeader("CSeq"))

	if code >= 180 && code < 300 {
		for _, rr := range req.GetHeaders("Record-Route") {
			resp.AddHeader("Record-Route", rr)
		}
	}
	resp.SetHeader("Content-Length", "0")

	return resp
}

// nameAddr wraps a bare URI in angle brackets
func nameAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.ContainsAny(addr, "<>") {
		return addr
	}
	return "<" + addr + ">"
}
