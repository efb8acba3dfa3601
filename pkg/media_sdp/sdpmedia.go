// Package media_sdp формирует и разбирает SDP тела INVITE / re-INVITE.
//
// Удержание вызова выражается направлением медиа (RFC 3264 §8.4):
// локальная сторона, ставящая вызов на удержание, предлагает sendonly,
// снятие с удержания возвращает sendrecv.
package media_sdp

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
)

// ContentType MIME тип SDP тела
const ContentType = "application/sdp"

// Direction направление медиа потока
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// IsHold сообщает, что сторона с этим направлением поставила вызов на
// удержание (не принимает медиа)
func (d Direction) IsHold() bool {
	return d == DirectionSendOnly || d == DirectionInactive
}

// answerDirection выбирает направление ответа на offer (RFC 3264 §6.1)
func answerDirection(offer Direction, hold bool) Direction {
	switch offer {
	case DirectionSendOnly:
		if hold {
			return DirectionInactive
		}
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		if hold {
			return DirectionSendOnly
		}
		return DirectionSendRecv
	}
}

// mediaDirection возвращает направление audio потока: атрибут уровня
// медиа, затем уровня сессии, по умолчанию sendrecv
func mediaDirection(desc *sdp.SessionDescription, media *sdp.MediaDescription) Direction {
	for _, d := range []Direction{DirectionSendOnly, DirectionRecvOnly, DirectionInactive, DirectionSendRecv} {
		if media != nil {
			if _, ok := media.Attribute(string(d)); ok {
				return d
			}
		}
	}
	for _, d := range []Direction{DirectionSendOnly, DirectionRecvOnly, DirectionInactive, DirectionSendRecv} {
		if _, ok := desc.Attribute(string(d)); ok {
			return d
		}
	}
	return DirectionSendRecv
}

// SDPErrorCode определяет коды ошибок для SDP операций
type SDPErrorCode int

const (
	ErrorCodeInvalidConfig SDPErrorCode = iota + 2000
	ErrorCodeSDPGeneration
	ErrorCodeSDPParsing
	ErrorCodeIncompatibleCodec
)

// SDPError представляет ошибку в SDP операциях
type SDPError struct {
	Code    SDPErrorCode
	Message string
	Wrapped error
}

// NewSDPError создает новую SDP ошибку
func NewSDPError(code SDPErrorCode, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapSDPError оборачивает существующую ошибку в SDPError
func WrapSDPError(code SDPErrorCode, err error, format string, args ...interface{}) *SDPError {
	return &SDPError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Wrapped: err,
	}
}

// Error реализует интерфейс error
func (e *SDPError) Error() string {
	msg := fmt.Sprintf("SDP Error [%d]: %s", e.Code, e.Message)
	if e.Wrapped != nil {
		msg += fmt.Sprintf(" - Wrapped: %v", e.Wrapped)
	}
	return msg
}

// Unwrap возвращает обернутую ошибку для поддержки errors.Is/As
func (e *SDPError) Unwrap() error {
	return e.Wrapped
}

// IsSDPError проверяет, является ли ошибка SDPError с указанным кодом
func IsSDPError(err error, code SDPErrorCode) bool {
	var sdpErr *SDPError
	if !errors.As(err, &sdpErr) {
		return false
	}
	return sdpErr.Code == code
}
