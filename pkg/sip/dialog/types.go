package dialog

import (
	"time"
)

// Role роль стороны в диалоге
type Role int

const (
	// RoleUAC диалог создан исходящим INVITE
	RoleUAC Role = iota
	// RoleUAS диалог создан входящим INVITE
	RoleUAS
)

// String возвращает строковое представление роли
func (r Role) String() string {
	if r == RoleUAS {
		return "UAS"
	}
	return "UAC"
}

// DialogState представляет состояние диалога
type DialogState int

const (
	// DialogStateInit INVITE еще не отправлен или нет ответа с To tag
	DialogStateInit DialogState = iota
	// DialogStateEarly ранний диалог (1xx с To tag или входящий INVITE)
	DialogStateEarly
	// DialogStateConfirmed диалог установлен
	DialogStateConfirmed
	// DialogStateTerminated диалог завершен
	DialogStateTerminated
)

// String возвращает строковое представление состояния
func (s DialogState) String() string {
	switch s {
	case DialogStateInit:
		return "Init"
	case DialogStateEarly:
		return "Early"
	case DialogStateConfirmed:
		return "Confirmed"
	case DialogStateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// UpdateKind тип изменения сессии, о котором диалог сообщает владельцу
type UpdateKind int

const (
	// UpdateNone сообщение обработано без изменения сессии
	UpdateNone UpdateKind = iota
	// UpdateRinging получен 180/183 на исходящий INVITE
	UpdateRinging
	// UpdateAnswered исходящий INVITE принят (2xx, ACK отправлен)
	UpdateAnswered
	// UpdateRejected исходящий INVITE отклонен финальным ответом
	UpdateRejected
	// UpdateRemoteBye удаленная сторона завершила диалог BYE
	UpdateRemoteBye
	// UpdateRemoteCancel удаленная сторона отменила входящий INVITE
	UpdateRemoteCancel
	// UpdateModified наш re-INVITE принят
	UpdateModified
	// UpdateModifyRejected наш re-INVITE отклонен, диалог продолжается
	UpdateModifyRejected
	// UpdateRemoteModified принят re-INVITE удаленной стороны
	UpdateRemoteModified
	// UpdateTerminated диалог завершен из-за ошибки (Err)
	UpdateTerminated
)

// String returns string representation of update kind
func (k UpdateKind) String() string {
	switch k {
	case UpdateNone:
		return "none"
	case UpdateRinging:
		return "ringing"
	case UpdateAnswered:
		return "answered"
	case UpdateRejected:
		return "rejected"
	case UpdateRemoteBye:
		return "remote_bye"
	case UpdateRemoteCancel:
		return "remote_cancel"
	case UpdateModified:
		return "modified"
	case UpdateModifyRejected:
		return "modify_rejected"
	case UpdateRemoteModified:
		return "remote_modified"
	case UpdateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Update результат обработки входящего сообщения или события транзакции.
//
// StatusCode и Reason берутся из ответа или заголовка Reason запроса,
// Hold описывает hold-состояние, к которому относится изменение.
type Update struct {
	Kind       UpdateKind
	StatusCode int
	Reason     string
	Hold       bool
	Err        error
}

// Media формирует и разбирает SDP тела сессии
type Media interface {
	// Offer создает SDP offer; hold=true означает a=sendonly
	Offer(hold bool) ([]byte, error)
	// Answer создает SDP answer на offer удаленной стороны
	Answer(offer []byte, hold bool) ([]byte, error)
	// IsHold проверяет, ставит ли тело удаленную сторону на удержание
	IsHold(body []byte) bool
}

// Config параметры локальной стороны диалога
type Config struct {
	// LocalURI адрес локального пользователя (From/To), например sip:alice@192.0.2.1
	LocalURI string
	// DisplayName отображаемое имя в From
	DisplayName string
	// Contact URI для заголовка Contact
	Contact string
	// ViaHost host:port для заголовка Via
	ViaHost string
	// Transport транспорт в Via (UDP, TCP, TLS)
	Transport string
	// OutboundProxy host:port для первого INVITE; пусто - по Request-URI
	OutboundProxy string
	// TransactionTimeout абсолютный предел ожидания финального ответа на
	// запросы внутри диалога (re-INVITE, BYE); 0 - 64*T1. Первый INVITE
	// после 1xx ждет финального ответа без ограничения.
	TransactionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = "UDP"
	}
	if c.Contact == "" {
		c.Contact = c.LocalURI
	}
	return c
}

// localAddress формирует name-addr локального пользователя без tag
func (c Config) localAddress() string {
	if c.DisplayName == "" {
		return "<" + c.LocalURI + ">"
	}
	return `"` + c.DisplayName + `" <` + c.LocalURI + ">"
}
