package transport

import (
	"errors"
	"net"
)

var (
	// ErrTransportClosed операция над закрытым транспортом
	ErrTransportClosed = errors.New("transport closed")

	// ErrInvalidAddress адрес назначения не разобран
	ErrInvalidAddress = errors.New("invalid address")

	// ErrMessageTooLarge сообщение больше MaxMessageSize
	ErrMessageTooLarge = errors.New("message too large")
)

// TransportError ошибка транспорта
type TransportError struct {
	Transport string
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return e.Transport + " " + e.Operation + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout сообщает, вызвана ли ошибка таймаутом сокета
func (e *TransportError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
