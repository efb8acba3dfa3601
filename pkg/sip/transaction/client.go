package transaction

import (
	"time"

	"go.uber.org/zap"

	"github.com/arzzra/callsession/pkg/sip/message"
)

// ClientTransaction клиентская транзакция (RFC 3261 §17.1).
//
// INVITE: Calling -> Proceeding -> Completed -> Terminated, ретрансмиссии
// по Timer A только в Calling. Non-INVITE: ретрансмиссии по Timer E в
// Calling и Proceeding. Каждая транзакция сообщает ровно один исход:
// EventFinal, EventTimeout или EventTransportFailure.
type ClientTransaction struct {
	engine   *Engine
	key      Key
	request  *message.Request
	cseq     uint32
	data     []byte
	dest     string
	deadline time.Time

	timers      *TimerManager
	state       State
	interval    time.Duration
	retransmits int
	response    *message.Response
	final       bool
	err         error

	// ACK, переотправляемый на повторные финальные ответы
	ack     []byte
	ackDest string

	// CANCEL этой транзакции; deferred пока ждет первого 1xx
	cancel   *ClientTransaction
	deferred bool

	done chan struct{}
}

func newClientTransaction(e *Engine, key Key, req *message.Request, dest string, deadline time.Time) *ClientTransaction {
	cseq, _, _ := req.CSeq()
	return &ClientTransaction{
		engine:   e,
		key:      key,
		request:  req,
		cseq:     cseq,
		data:     req.Bytes(),
		dest:     dest,
		deadline: deadline,
		timers:   NewTimerManager(&e.mu),
		state:    StateCalling,
		deferred: true,
		done:     make(chan struct{}),
	}
}

// Key возвращает ключ транзакции
func (t *ClientTransaction) Key() Key {
	return t.key
}

// Branch returns the branch parameter
func (t *ClientTransaction) Branch() string {
	return t.key.Branch
}

// Method returns the request method
func (t *ClientTransaction) Method() string {
	return t.key.Method
}

// Request returns a copy of the original request
func (t *ClientTransaction) Request() *message.Request {
	return t.request.Clone()
}

// Destination returns the address requests are sent to
func (t *ClientTransaction) Destination() string {
	return t.dest
}

// State returns current state
func (t *ClientTransaction) State() State {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	return t.state
}

// Retransmits возвращает число ретрансмиссий запроса
func (t *ClientTransaction) Retransmits() int {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	return t.retransmits
}

// Response возвращает последний полученный ответ
func (t *ClientTransaction) Response() *message.Response {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	return t.response
}

// Err возвращает причину завершения без финального ответа
func (t *ClientTransaction) Err() error {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	return t.err
}

// Done закрывается при переходе в Terminated
func (t *ClientTransaction) Done() <-chan struct{} {
	return t.done
}

func (t *ClientTransaction) isInvite() bool {
	return t.key.Method == "INVITE"
}

func (t *ClientTransaction) log() *zap.Logger {
	return t.engine.logger.With(
		zap.String("branch", t.key.Branch),
		zap.String("method", t.key.Method),
		zap.String("call_id", t.request.CallID()),
	)
}

// launch регистрирует транзакцию и отправляет запрос. Вызывается под e.mu.
func (t *ClientTransaction) launch() {
	t.deferred = false
	t.engine.clients[t.key] = t
	t.engine.metrics.transactionStarted(t.key.Method, true)

	if !t.send(t.dest, t.data) {
		return
	}

	retransmit, timeout := TimerE, TimerF
	if t.isInvite() {
		retransmit, timeout = TimerA, TimerB
	}

	if d := t.engine.timers.Duration(retransmit); d > 0 {
		t.interval = d
		t.timers.Start(retransmit, d, t.onRetransmit)
	}

	// абсолютный предел заменяет Timer B/F и переживает 1xx
	wait := t.engine.timers.Duration(timeout)
	if !t.deadline.IsZero() {
		timeout, wait = TimerDeadline, time.Until(t.deadline)
	}
	if wait <= 0 {
		t.engine.metrics.timedOut(t.key.Method)
		t.fail(EventTimeout, ErrTimeout)
		return
	}
	t.timers.Start(timeout, wait, t.onTimeout)
}

func (t *ClientTransaction) send(dest string, data []byte) bool {
	if err := t.engine.send(dest, data); err != nil {
		t.log().Warn("send failed", zap.String("dest", dest), zap.Error(err))
		t.fail(EventTransportFailure, err)
		return false
	}
	return true
}

func (t *ClientTransaction) onRetransmit() {
	id := TimerE
	if t.isInvite() {
		id = TimerA
		if t.state != StateCalling {
			return
		}
	} else if t.state != StateCalling && t.state != StateProceeding {
		return
	}

	if limit := t.engine.timers.MaxRetransmits; limit > 0 && t.retransmits >= limit {
		t.log().Debug("retransmit limit reached", zap.Int("retransmits", t.retransmits))
		t.engine.metrics.timedOut(t.key.Method)
		t.fail(EventTimeout, ErrTimeout)
		return
	}

	if !t.send(t.dest, t.data) {
		return
	}
	t.retransmits++
	t.engine.metrics.retransmitted(t.key.Method)

	if t.state == StateProceeding {
		t.interval = t.engine.timers.T2
	} else {
		t.interval = GetNextRetransmitInterval(t.interval, t.engine.timers.T2)
	}
	t.timers.Start(id, t.interval, t.onRetransmit)
}

func (t *ClientTransaction) onTimeout() {
	if t.state != StateCalling && t.state != StateProceeding {
		return
	}
	t.log().Debug("transaction timed out", zap.Stringer("state", t.state))
	t.engine.metrics.timedOut(t.key.Method)
	t.fail(EventTimeout, ErrTimeout)
}

// fail завершает транзакцию и сообщает исход, если он еще не сообщен
func (t *ClientTransaction) fail(kind EventKind, err error) {
	if t.state == StateTerminated {
		return
	}
	t.err = err
	if !t.final {
		t.final = true
		t.engine.events.enqueue(Event{
			Kind:    kind,
			Client:  t,
			Request: t.request,
			Err:     err,
		})
	}
	t.terminate()
}

func (t *ClientTransaction) handleResponse(resp *message.Response) Event {
	switch t.state {
	case StateCalling, StateProceeding:
	case StateCompleted:
		if resp.IsFinal() && t.ack != nil {
			dest := t.ackDest
			if dest == "" {
				dest = t.dest
			}
			if err := t.engine.send(dest, t.ack); err != nil {
				t.log().Warn("ACK retransmit failed", zap.Error(err))
			}
		}
		return Event{Kind: EventNone, Client: t, Response: resp}
	default:
		return Event{Kind: EventNone, Client: t, Response: resp}
	}

	if resp.IsProvisional() {
		first := t.state == StateCalling
		t.state = StateProceeding
		t.response = resp

		if t.isInvite() {
			t.timers.Stop(TimerA)
			t.timers.Stop(TimerB)
			if first && t.cancel != nil && t.cancel.deferred {
				t.cancel.launch()
			}
		}
		return Event{Kind: EventProvisional, Client: t, Request: t.request, Response: resp}
	}

	t.response = resp
	t.final = true
	t.state = StateCompleted
	t.timers.StopAll()
	t.dropDeferredCancel()

	waitID := TimerK
	if t.isInvite() {
		waitID = TimerD
		if !resp.IsSuccess() {
			t.ack = t.buildAck(resp).Bytes()
			t.ackDest = t.dest
			if err := t.engine.send(t.dest, t.ack); err != nil {
				t.log().Warn("ACK send failed", zap.Error(err))
			}
		}
	}

	if wait := t.engine.timers.Duration(waitID); wait > 0 {
		t.timers.Start(waitID, wait, t.terminate)
	} else {
		t.terminate()
	}

	return Event{Kind: EventFinal, Client: t, Request: t.request, Response: resp}
}

func (t *ClientTransaction) dropDeferredCancel() {
	if t.cancel != nil && t.cancel.deferred {
		t.cancel.deferred = false
		t.cancel.abandon()
	}
}

func (t *ClientTransaction) terminate() {
	if t.state == StateTerminated {
		return
	}
	t.state = StateTerminated
	t.timers.StopAll()
	t.dropDeferredCancel()

	if t.engine.clients[t.key] == t {
		delete(t.engine.clients, t.key)
	}
	close(t.done)

	t.log().Debug("transaction terminated")
	t.engine.events.enqueue(Event{Kind: EventTerminated, Client: t, Request: t.request, Err: t.err})
}

// abandon завершает транзакцию без уведомлений
func (t *ClientTransaction) abandon() {
	if t.state == StateTerminated {
		return
	}
	t.state = StateTerminated
	t.timers.StopAll()
	close(t.done)
}

// buildAck строит ACK на не-2xx ответ (RFC 3261 §17.1.1.3)
func (t *ClientTransaction) buildAck(resp *message.Response) *message.Request {
	ack := message.NewRequest("ACK", t.request.RequestURI)
	ack.SetHeader("Via", t.request.GetHeader("Via"))
	ack.SetHeader("Max-Forwards", "70")
	ack.SetHeader("From", t.request.GetHeader("From"))
	ack.SetHeader("To", resp.GetHeader("To"))
	ack.SetHeader("Call-ID", t.request.CallID())
	ack.SetHeader("CSeq", message.FormatCSeq(t.cseq, "ACK"))
	for _, route := range t.request.GetHeaders("Route") {
		ack.AddHeader("Route", route)
	}
	ack.SetHeader("Content-Length", "0")
	return ack
}

// buildCancel строит CANCEL (RFC 3261 §9.1)
func (t *ClientTransaction) buildCancel(reason string) *message.Request {
	cancel := message.NewRequest("CANCEL", t.request.RequestURI)
	cancel.SetHeader("Via", t.request.GetHeader("Via"))
	cancel.SetHeader("Max-Forwards", "70")
	cancel.SetHeader("From", t.request.GetHeader("From"))
	cancel.SetHeader("To", t.request.GetHeader("To"))
	cancel.SetHeader("Call-ID", t.request.CallID())
	cancel.SetHeader("CSeq", message.FormatCSeq(t.cseq, "CANCEL"))
	for _, route := range t.request.GetHeaders("Route") {
		cancel.AddHeader("Route", route)
	}
	if reason != "" {
		cancel.SetHeader("Reason", reason)
	}
	cancel.SetHeader("Content-Length", "0")
	return cancel
}
