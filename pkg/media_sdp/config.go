package media_sdp

import (
	"net"
	"time"
)

// Codec описывает поддерживаемый аудио кодек
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// Стандартные кодеки RFC 3551
var (
	CodecPCMU = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	CodecPCMA = Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}
	CodecG722 = Codec{PayloadType: 9, Name: "G722", ClockRate: 8000}
)

// Config содержит параметры локального медиа описания
type Config struct {
	// SessionName значение s=
	SessionName string

	// Address адрес в c= и o=
	Address string

	// Port RTP порт в m=audio
	Port int

	// Codecs поддерживаемые кодеки (приоритет по порядку)
	Codecs []Codec

	// Ptime время пакетизации
	Ptime time.Duration

	// DTMFPayloadType RFC 4733 telephone-event, 0 отключает
	DTMFPayloadType uint8
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		SessionName:     "Audio Call",
		Address:         "127.0.0.1",
		Port:            4000,
		Codecs:          []Codec{CodecPCMU, CodecPCMA},
		Ptime:           20 * time.Millisecond,
		DTMFPayloadType: 101,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if net.ParseIP(c.Address) == nil {
		return NewSDPError(ErrorCodeInvalidConfig, "некорректный адрес: %q", c.Address)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewSDPError(ErrorCodeInvalidConfig, "некорректный порт: %d", c.Port)
	}
	if len(c.Codecs) == 0 {
		return NewSDPError(ErrorCodeInvalidConfig, "не задан ни один кодек")
	}
	return nil
}

func (c Config) addressType() string {
	if ip := net.ParseIP(c.Address); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}
