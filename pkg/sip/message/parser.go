package message

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

const (
	// Maximum sizes for security
	maxMessageSize = 65536 // 64KB
	maxHeaderSize  = 8192  // 8KB
	maxHeaders     = 100   // Maximum number of headers
)

// mandatoryHeaders must be present in every request and response
// (RFC 3261 §8.1.1).
var mandatoryHeaders = []string{"Call-ID", "CSeq", "To", "From", "Via"}

// findHeaderEnd returns the offset of the empty line ending the headers and
// the offset of the body. The first of CRLFCRLF and LFLF wins, so a body
// may contain either sequence.
func findHeaderEnd(data []byte) (int, int) {
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	lf := bytes.Index(data, []byte("\n\n"))
	switch {
	case crlf == -1 && lf == -1:
		return -1, -1
	case lf == -1 || (crlf != -1 && crlf < lf):
		return crlf, crlf + 4
	default:
		return lf, lf + 2
	}
}

// Parse parses a SIP message from bytes. Every failure wraps
// ErrMalformedMessage.
func Parse(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, malformed(ErrInvalidRequestLine, "empty input")
	}

	if len(data) > maxMessageSize {
		return nil, malformed(ErrMessageTooLarge, "")
	}

	headerEnd, bodyStart := findHeaderEnd(data)
	if headerEnd == -1 {
		return nil, malformed(ErrInvalidHeader, "missing header terminator")
	}
	body := data[bodyStart:]

	lines := splitLines(data[:headerEnd])
	firstLine := strings.TrimSpace(string(lines[0]))

	headers, err := parseHeaders(lines[1:])
	if err != nil {
		return nil, err
	}

	body, err = boundBody(headers, body)
	if err != nil {
		return nil, err
	}

	var msg Message
	if strings.HasPrefix(firstLine, "SIP/") {
		msg, err = parseStatusLine(firstLine, headers, body)
	} else {
		msg, err = parseRequestLine(firstLine, headers, body)
	}
	if err != nil {
		return nil, err
	}

	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func splitLines(headerData []byte) [][]byte {
	lines := bytes.Split(headerData, []byte("\r\n"))
	if len(lines) == 1 {
		// Try with just \n for compatibility
		lines = bytes.Split(headerData, []byte("\n"))
	}
	return lines
}

// parseRequestLine parses METHOD REQUEST-URI SIP-VERSION
func parseRequestLine(firstLine string, headers *Headers, body []byte) (*Request, error) {
	parts := strings.Fields(firstLine)
	if len(parts) != 3 {
		return nil, malformed(ErrInvalidRequestLine, firstLine)
	}

	method := parts[0]
	if !isToken(method) {
		return nil, malformed(ErrInvalidMethod, method)
	}

	var uri sip.Uri
	if err := sip.ParseUri(parts[1], &uri); err != nil {
		return nil, malformed(ErrInvalidURI, err.Error())
	}

	if parts[2] != "SIP/2.0" {
		return nil, malformed(ErrInvalidSIPVersion, parts[2])
	}

	return &Request{
		Method:     strings.ToUpper(method),
		RequestURI: parts[1],
		envelope:   envelope{Headers: headers, body: body},
	}, nil
}

// parseStatusLine parses SIP-VERSION STATUS-CODE REASON-PHRASE
func parseStatusLine(firstLine string, headers *Headers, body []byte) (*Response, error) {
	parts := strings.SplitN(firstLine, " ", 3)
	if len(parts) < 2 {
		return nil, malformed(ErrInvalidStatusLine, firstLine)
	}

	if parts[0] != "SIP/2.0" {
		return nil, malformed(ErrInvalidSIPVersion, parts[0])
	}

	statusCode, err := strconv.Atoi(parts[1])
	if err != nil || statusCode < 100 || statusCode > 699 {
		return nil, malformed(ErrInvalidStatusCode, parts[1])
	}

	// Reason phrase is optional
	reasonPhrase := DefaultReason(statusCode)
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		reasonPhrase = parts[2]
	}

	return &Response{
		StatusCode:   statusCode,
		ReasonPhrase: reasonPhrase,
		envelope:     envelope{Headers: headers, body: body},
	}, nil
}

// parseHeaders parses SIP headers
func parseHeaders(lines [][]byte) (*Headers, error) {
	headers := NewHeaders()

	if len(lines) > maxHeaders {
		return nil, malformed(ErrHeaderTooLarge, fmt.Sprintf("too many headers: %d", len(lines)))
	}

	for i := 0; i < len(lines); i++ {
		if len(bytes.TrimSpace(lines[i])) == 0 {
			continue
		}
		line := append([]byte(nil), lines[i]...)

		// Handle line folding (continuation lines)
		for i+1 < len(lines) && len(lines[i+1]) > 0 &&
			(lines[i+1][0] == ' ' || lines[i+1][0] == '\t') {
			i++
			line = append(append(bytes.TrimRight(line, " \t"), ' '), bytes.TrimSpace(lines[i])...)
		}

		if len(line) > maxHeaderSize {
			return nil, malformed(ErrHeaderTooLarge, "")
		}

		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx == -1 {
			return nil, malformed(ErrInvalidHeader, string(line))
		}

		name := string(bytes.TrimSpace(line[:colonIdx]))
		value := string(bytes.TrimSpace(line[colonIdx+1:]))
		if name == "" || !isToken(name) {
			return nil, malformed(ErrInvalidHeader, string(line))
		}

		headers.Add(name, value)
	}

	return headers, nil
}

// boundBody applies Content-Length when present
func boundBody(headers *Headers, body []byte) ([]byte, error) {
	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, malformed(ErrInvalidHeader, "Content-Length: "+cl)
		}
		if n > len(body) {
			return nil, malformed(ErrInvalidHeader, fmt.Sprintf("Content-Length %d exceeds body size %d", n, len(body)))
		}
		body = body[:n]
	}
	if len(body) == 0 {
		return nil, nil
	}
	return append([]byte(nil), body...), nil
}

// validate checks mandatory headers and the CSeq format
func validate(msg Message) error {
	for _, header := range mandatoryHeaders {
		if msg.GetHeader(header) == "" {
			return malformed(ErrMissingHeader, header)
		}
	}

	_, method, err := msg.CSeq()
	if err != nil {
		return malformed(ErrInvalidCSeq, err.Error())
	}

	if req, ok := msg.(*Request); ok && method != req.Method {
		return malformed(ErrInvalidCSeq, fmt.Sprintf("CSeq method mismatch: %s != %s", method, req.Method))
	}

	return nil
}

// isToken reports whether s consists of RFC 3261 token characters
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("-.!%*_+`'~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// DefaultReason returns the default reason phrase for a status code
func DefaultReason(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 181:
		return "Call Is Being Forwarded"
	case 182:
		return "Queued"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 300:
		return "Multiple Choices"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Moved Temporarily"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 415:
		return "Unsupported Media Type"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 491:
		return "Request Pending"
	case 500:
		return "Server Internal Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Server Time-out"
	case 600:
		return "Busy Everywhere"
	case 603:
		return "Decline"
	case 604:
		return "Does Not Exist Anywhere"
	case 606:
		return "Not Acceptable"
	default:
		return "Unknown"
	}
}
