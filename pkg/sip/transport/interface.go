package transport

import (
	"net"
)

// Handler вызывается для каждой принятой датаграммы. data принадлежит
// обработчику; source - адрес отправителя host:port.
type Handler func(data []byte, source string)

// Transport доставляет сериализованные SIP сообщения. Реализует
// transaction.Sender.
type Transport interface {
	// Send отправляет data по адресу host:port
	Send(dest string, data []byte) error

	// Serve читает входящие сообщения до Close
	Serve() error

	// Close закрывает транспорт
	Close() error

	// Protocol возвращает имя транспорта для Via (UDP)
	Protocol() string

	// LocalAddr возвращает локальный адрес
	LocalAddr() net.Addr
}

// Stats счетчики транспорта
type Stats struct {
	MessagesReceived uint64
	MessagesSent     uint64
	BytesReceived    uint64
	BytesSent        uint64
	Errors           uint64
}

// Config настройки транспорта
type Config struct {
	// ReadBufferSize размер приемного буфера сокета
	ReadBufferSize int
	// WriteBufferSize размер буфера отправки сокета
	WriteBufferSize int
	// MaxMessageSize максимальный размер датаграммы
	MaxMessageSize int
	// ReuseAddr включает SO_REUSEADDR
	ReuseAddr bool
	// DSCP маркировка сигнального трафика (0 - не менять)
	DSCP int
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  2 * 1024 * 1024,
		WriteBufferSize: 2 * 1024 * 1024,
		MaxMessageSize:  65535,
		ReuseAddr:       true,
		DSCP:            24, // CS3, сигнализация
	}
}
