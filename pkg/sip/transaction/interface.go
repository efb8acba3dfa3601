package transaction

import (
	"github.com/arzzra/callsession/pkg/sip/message"
)

// State represents transaction state
type State int

const (
	// Client transaction states
	StateCalling State = iota
	StateProceeding
	StateCompleted
	StateTerminated

	// Server transaction specific states
	StateTrying
	StateConfirmed
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateTerminated:
		return "Terminated"
	case StateTrying:
		return "Trying"
	case StateConfirmed:
		return "Confirmed"
	default:
		return "Unknown"
	}
}

// EventKind тип события транзакции
type EventKind int

const (
	// EventNone сообщение поглощено (дубликат, ретрансмиссия)
	EventNone EventKind = iota
	// EventProvisional первый или новый 1xx ответ
	EventProvisional
	// EventFinal финальный ответ, не более одного на транзакцию
	EventFinal
	// EventRequest новый входящий запрос, создана серверная транзакция
	EventRequest
	// EventAck входящий ACK
	EventAck
	// EventTimeout истек Timer B/F/H или лимит ретрансмиссий
	EventTimeout
	// EventTransportFailure транспорт не смог отправить сообщение
	EventTransportFailure
	// EventTerminated транзакция перешла в Terminated
	EventTerminated
)

// String returns string representation of event kind
func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventProvisional:
		return "provisional"
	case EventFinal:
		return "final"
	case EventRequest:
		return "request"
	case EventAck:
		return "ack"
	case EventTimeout:
		return "timeout"
	case EventTransportFailure:
		return "transport_failure"
	case EventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Event результат обработки сообщения или срабатывания таймера.
//
// Ровно одно из полей Client / Server заполнено для всех событий кроме
// EventNone и EventAck без найденной транзакции.
type Event struct {
	Kind     EventKind
	Client   *ClientTransaction
	Server   *ServerTransaction
	Request  *message.Request
	Response *message.Response
	Err      error
}

// Sender отправляет сериализованное сообщение по адресу host:port
type Sender interface {
	Send(dest string, data []byte) error
}

// SenderFunc адаптер функции к Sender
type SenderFunc func(dest string, data []byte) error

// Send calls f(dest, data)
func (f SenderFunc) Send(dest string, data []byte) error {
	return f(dest, data)
}

// Handler получает асинхронные события (таймауты, ошибки транспорта,
// завершение транзакций). Вызывается последовательно из одной горутины.
type Handler interface {
	HandleTransactionEvent(ev Event)
}

// HandlerFunc адаптер функции к Handler
type HandlerFunc func(ev Event)

// HandleTransactionEvent calls f(ev)
func (f HandlerFunc) HandleTransactionEvent(ev Event) {
	f(ev)
}
