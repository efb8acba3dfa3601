package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// Option настраивает UDPTransport
type Option func(*UDPTransport)

// WithLogger задает логгер транспорта
func WithLogger(logger *zap.Logger) Option {
	return func(t *UDPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// UDPTransport UDP транспорт
type UDPTransport struct {
	conn    *net.UDPConn
	config  Config
	handler Handler
	logger  *zap.Logger
	closed  atomic.Bool

	received      atomic.Uint64
	sent          atomic.Uint64
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
	errors        atomic.Uint64
}

var _ Transport = (*UDPTransport)(nil)

// NewUDPTransport открывает UDP сокет на addr. Чтение начинается вызовом
// Serve, каждая датаграмма передается handler.
func NewUDPTransport(addr string, config Config, handler Handler, opts ...Option) (*UDPTransport, error) {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultConfig().MaxMessageSize
	}

	lc := net.ListenConfig{Control: socketControl(config)}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, &TransportError{Transport: "udp", Operation: "listen", Err: err}
	}
	conn := pc.(*net.UDPConn)

	if config.ReadBufferSize > 0 {
		_ = conn.SetReadBuffer(config.ReadBufferSize)
	}
	if config.WriteBufferSize > 0 {
		_ = conn.SetWriteBuffer(config.WriteBufferSize)
	}

	t := &UDPTransport{
		conn:    conn,
		config:  config,
		handler: handler,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.Stringer("local", conn.LocalAddr()))
	return t, nil
}

func (t *UDPTransport) Protocol() string { return "UDP" }

// LocalAddr возвращает адрес сокета
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Send отправляет датаграмму по адресу host:port
func (t *UDPTransport) Send(dest string, data []byte) error {
	if t.closed.Load() {
		return &TransportError{Transport: "udp", Operation: "send", Err: ErrTransportClosed}
	}
	if len(data) > t.config.MaxMessageSize {
		return &TransportError{Transport: "udp", Operation: "send", Err: ErrMessageTooLarge}
	}

	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return &TransportError{Transport: "udp", Operation: "resolve address", Err: fmt.Errorf("%w: %v", ErrInvalidAddress, err)}
	}

	n, err := t.conn.WriteToUDP(data, addr)
	if err != nil {
		t.errors.Add(1)
		return &TransportError{Transport: "udp", Operation: "send", Err: err}
	}

	t.sent.Add(1)
	t.bytesSent.Add(uint64(n))
	return nil
}

// Serve читает датаграммы и вызывает handler до Close. После Close
// возвращает nil.
func (t *UDPTransport) Serve() error {
	buf := make([]byte, t.config.MaxMessageSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.errors.Add(1)
			t.logger.Warn("udp read failed", zap.Error(err))
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.received.Add(1)
		t.bytesReceived.Add(uint64(n))

		if t.handler != nil {
			t.handler(data, addr.String())
		}
	}
}

// Close закрывает сокет; Serve завершается
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

// Stats возвращает счетчики транспорта
func (t *UDPTransport) Stats() Stats {
	return Stats{
		MessagesReceived: t.received.Load(),
		MessagesSent:     t.sent.Load(),
		BytesReceived:    t.bytesReceived.Load(),
		BytesSent:        t.bytesSent.Load(),
		Errors:           t.errors.Load(),
	}
}
