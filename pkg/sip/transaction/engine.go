package transaction

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arzzra/callsession/pkg/sip/message"
)

// Option настраивает Engine
type Option func(*Engine)

// WithTimers задает значения таймеров
func WithTimers(timers Timers) Option {
	return func(e *Engine) {
		e.timers = timers
	}
}

// WithLogger задает логгер
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics подключает счетчики Prometheus
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine ведет клиентские и серверные транзакции одной сессии.
//
// Ответы и запросы обрабатываются синхронно в OnMessage. События таймеров
// и ошибки транспорта ставятся в очередь и доставляются Handler'у по
// порядку из отдельной горутины. Handler не должен вызываться под
// блокировками, которые удерживает вызывающий OnMessage/Start.
type Engine struct {
	sender  Sender
	timers  Timers
	logger  *zap.Logger
	metrics *Metrics
	events  *dispatcher

	// mu защищает все транзакции движка и их таймеры
	mu      sync.Mutex
	clients map[Key]*ClientTransaction
	servers map[Key]*ServerTransaction
	closed  bool
}

// NewEngine создает движок транзакций
func NewEngine(sender Sender, handler Handler, opts ...Option) *Engine {
	e := &Engine{
		sender:  sender,
		timers:  DefaultTimers(),
		logger:  zap.NewNop(),
		clients: make(map[Key]*ClientTransaction),
		servers: make(map[Key]*ServerTransaction),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = newDispatcher(handler)
	return e
}

// Timers возвращает значения таймеров движка
func (e *Engine) Timers() Timers {
	return e.timers
}

// Start создает клиентскую транзакцию и отправляет запрос.
//
// deadline ограничивает время ожидания финального ответа и действует
// после 1xx. Нулевое значение означает Timer B/F (64*T1); для INVITE
// Timer B останавливается первым 1xx. Ошибка отправки не возвращается,
// а приходит событием EventTransportFailure.
func (e *Engine) Start(req *message.Request, dest string, deadline time.Time) (*ClientTransaction, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if req.Method == "ACK" {
		return nil, fmt.Errorf("%w: ACK is not a transaction, use SendAck", ErrInvalidRequest)
	}

	key, err := keyOf(req)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if _, exists := e.clients[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTransactionExists, key)
	}

	tx := newClientTransaction(e, key, req.Clone(), dest, deadline)
	tx.launch()
	return tx, nil
}

// Cancel отменяет INVITE транзакцию (RFC 3261 §9.1).
//
// Пока на INVITE не пришел предварительный ответ, CANCEL не отправляется
// и ждет первого 1xx; если вместо него придет финальный ответ или таймаут,
// CANCEL завершается без отправки. reason, если не пуст, становится
// заголовком Reason.
func (e *Engine) Cancel(tx *ClientTransaction, reason string) (*ClientTransaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tx.key.Method != "INVITE" {
		return nil, fmt.Errorf("%w: %s", ErrCannotCancel, tx.key.Method)
	}
	if tx.final || tx.state == StateCompleted || tx.state == StateTerminated {
		return nil, fmt.Errorf("%w: %s", ErrCannotCancel, tx.state)
	}
	if tx.cancel != nil {
		return tx.cancel, nil
	}

	cancel := newClientTransaction(e, Key{Branch: tx.key.Branch, Method: "CANCEL"}, tx.buildCancel(reason), tx.dest, time.Time{})
	tx.cancel = cancel

	if tx.state == StateProceeding {
		cancel.launch()
	} else {
		e.logger.Debug("CANCEL deferred until provisional response",
			zap.String("branch", tx.key.Branch),
			zap.String("call_id", tx.request.CallID()))
	}
	return cancel, nil
}

// SendAck отправляет ACK на 2xx. ACK запоминается INVITE транзакцией с тем
// же номером CSeq и переотправляется на повторные 2xx.
func (e *Engine) SendAck(ack *message.Request, dest string) error {
	num, _, err := ack.CSeq()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	data := ack.Bytes()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	for key, tx := range e.clients {
		if key.Method == "INVITE" && tx.cseq == num && tx.response != nil && tx.response.IsSuccess() {
			tx.ack = data
			tx.ackDest = dest
		}
	}

	return e.send(dest, data)
}

// OnMessage обрабатывает входящее сообщение: ответы сопоставляются с
// клиентскими транзакциями по branch и методу CSeq, запросы с серверными.
func (e *Engine) OnMessage(msg message.Message) (Event, error) {
	switch m := msg.(type) {
	case *message.Response:
		return e.onResponse(m)
	case *message.Request:
		return e.onRequest(m)
	default:
		return Event{}, fmt.Errorf("%w: unsupported message %T", ErrInvalidRequest, msg)
	}
}

func (e *Engine) onResponse(resp *message.Response) (Event, error) {
	key, err := keyOf(resp)
	if err != nil {
		return Event{Kind: EventNone, Response: resp}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx, ok := e.clients[key]
	if !ok {
		return Event{Kind: EventNone, Response: resp}, fmt.Errorf("%w: %s", ErrTransactionNotFound, key)
	}
	return tx.handleResponse(resp), nil
}

func (e *Engine) onRequest(req *message.Request) (Event, error) {
	key, err := keyOf(req)
	if err != nil {
		return Event{Kind: EventNone, Request: req}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.Method == "ACK" {
		st, ok := e.servers[key]
		if !ok {
			// ACK на 2xx идет в новой транзакции, сопоставляем по CSeq
			st = e.inviteServerByCSeq(req)
		}
		if st != nil {
			return st.handleAck(req), nil
		}
		return Event{Kind: EventAck, Request: req}, nil
	}

	if st, ok := e.servers[key]; ok {
		return st.handleRetransmit(req), nil
	}
	if e.closed {
		return Event{Kind: EventNone, Request: req}, ErrEngineClosed
	}

	st := newServerTransaction(e, key, req)
	return Event{Kind: EventRequest, Server: st, Request: req}, nil
}

func (e *Engine) inviteServerByCSeq(ack *message.Request) *ServerTransaction {
	num, _, err := ack.CSeq()
	if err != nil {
		return nil
	}
	for key, st := range e.servers {
		if key.Method == "INVITE" && st.cseq == num && st.state == StateCompleted {
			return st
		}
	}
	return nil
}

// Respond отправляет ответ в рамках серверной транзакции и запоминает его
// для повторных запросов. Финальный ответ на INVITE переотправляется по
// Timer G до получения ACK.
func (e *Engine) Respond(st *ServerTransaction, resp *message.Response) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return st.respond(resp)
}

// Matching возвращает INVITE серверную транзакцию, которую отменяет cancel
func (e *Engine) Matching(cancel *message.Request) *ServerTransaction {
	branch := message.Branch(cancel)

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.servers[Key{Branch: branch, Method: "INVITE"}]
}

// Known сообщает, относится ли запрос к уже созданной серверной
// транзакции (повтор запроса или ACK на не-2xx)
func (e *Engine) Known(req *message.Request) bool {
	key, err := keyOf(req)
	if err != nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.servers[key]
	return ok
}

// Active возвращает число незавершенных транзакций
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.clients) + len(e.servers)
}

// Close останавливает все таймеры и доставку событий. Незавершенные
// транзакции переводятся в Terminated без уведомлений.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true

	for _, tx := range e.clients {
		tx.abandon()
	}
	for _, st := range e.servers {
		st.abandon()
	}
	e.clients = make(map[Key]*ClientTransaction)
	e.servers = make(map[Key]*ServerTransaction)
	e.mu.Unlock()

	e.events.close()
}

// send отправляет данные, возвращая ошибку транспорта с ErrTransportFailure
func (e *Engine) send(dest string, data []byte) error {
	if err := e.sender.Send(dest, data); err != nil {
		e.metrics.sendFailed()
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	return nil
}
