package message

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCSeq extracts the sequence number and method from a CSeq value.
//
// Format: "number method", e.g. "1 INVITE"
func ParseCSeq(value string) (uint32, string, error) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidCSeq, value)
	}

	num, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("%w: number %q", ErrInvalidCSeq, parts[0])
	}

	if !isToken(parts[1]) {
		return 0, "", fmt.Errorf("%w: method %q", ErrInvalidCSeq, parts[1])
	}

	return uint32(num), strings.ToUpper(parts[1]), nil
}

// FormatCSeq formats a CSeq value
func FormatCSeq(seq uint32, method string) string {
	return fmt.Sprintf("%d %s", seq, strings.ToUpper(method))
}

// HeaderParam returns a header parameter (";name=value") that follows the
// address part of a header value. Parameters inside <...> belong to the URI
// and are skipped.
func HeaderParam(value, name string) (string, bool) {
	rest := value
	if end := strings.LastIndexByte(value, '>'); end != -1 {
		rest = value[end+1:]
	} else if semi := strings.IndexByte(value, ';'); semi != -1 {
		rest = value[semi:]
	} else {
		return "", false
	}

	for _, param := range strings.Split(rest, ";") {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		key, val, _ := strings.Cut(param, "=")
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.Trim(strings.TrimSpace(val), `"`), true
		}
	}
	return "", false
}

// Tag returns the tag parameter of a From/To value
func Tag(value string) string {
	tag, _ := HeaderParam(value, "tag")
	return tag
}

// WithTag appends a tag parameter to a From/To value that has none
func WithTag(value, tag string) string {
	if tag == "" || Tag(value) != "" {
		return value
	}
	return value + ";tag=" + tag
}

// Branch returns the branch parameter of the topmost Via
func Branch(msg Message) string {
	via := msg.GetHeader("Via")
	if i := strings.IndexByte(via, ','); i != -1 {
		via = via[:i]
	}
	branch, _ := HeaderParam(via, "branch")
	return branch
}

// AddrSpec returns the URI of a name-addr / addr-spec header value
// ("Bob <sip:bob@host>;tag=1" -> "sip:bob@host").
func AddrSpec(value string) string {
	value = strings.TrimSpace(value)
	if start := strings.IndexByte(value, '<'); start != -1 {
		if end := strings.IndexByte(value[start:], '>'); end != -1 {
			return value[start+1 : start+end]
		}
	}
	if semi := strings.IndexByte(value, ';'); semi != -1 {
		return strings.TrimSpace(value[:semi])
	}
	return value
}

// FormatReason builds a Reason header value (RFC 3326). The text is
// carried verbatim; only embedded quotes are escaped.
func FormatReason(code int, text string) string {
	reason := fmt.Sprintf("SIP;cause=%d", code)
	if text != "" {
		reason += fmt.Sprintf(";text=\"%s\"", strings.ReplaceAll(text, `"`, `\"`))
	}
	return reason
}

// ParseReason is the inverse of FormatReason
func ParseReason(value string) (int, string, bool) {
	i := strings.Index(value, "cause=")
	if i == -1 {
		return 0, "", false
	}
	digits := value[i+len("cause="):]
	if end := strings.IndexAny(digits, "; \t"); end != -1 {
		digits = digits[:end]
	}
	code, err := strconv.Atoi(digits)
	if err != nil {
		return 0, "", false
	}

	text := ""
	if j := strings.Index(value, `text="`); j != -1 {
		text = strings.TrimSuffix(value[j+len(`text="`):], `"`)
		text = strings.ReplaceAll(text, `\"`, `"`)
	}
	return code, text, true
}
