package transaction

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arzzra/callsession/pkg/sip/message"
)

// ServerTransaction серверная транзакция (RFC 3261 §17.2).
//
// INVITE: Proceeding -> Completed -> Confirmed -> Terminated. Финальный
// ответ (включая 2xx) переотправляется по Timer G до ACK; без ACK по
// Timer H приходит EventTimeout. Non-INVITE: Trying -> Proceeding ->
// Completed -> Terminated (Timer J).
type ServerTransaction struct {
	engine  *Engine
	key     Key
	request *message.Request
	cseq    uint32
	dest    string

	timers   *TimerManager
	state    State
	interval time.Duration
	response *message.Response
	data     []byte

	done chan struct{}
}

// newServerTransaction создает и регистрирует транзакцию. Вызывается под e.mu.
func newServerTransaction(e *Engine, key Key, req *message.Request) *ServerTransaction {
	cseq, _, _ := req.CSeq()
	st := &ServerTransaction{
		engine:  e,
		key:     key,
		request: req,
		cseq:    cseq,
		dest:    viaAddress(req),
		timers:  NewTimerManager(&e.mu),
		state:   StateTrying,
		done:    make(chan struct{}),
	}
	if key.Method == "INVITE" {
		st.state = StateProceeding
	}

	e.servers[key] = st
	e.metrics.transactionStarted(key.Method, false)
	return st
}

// Key возвращает ключ транзакции
func (st *ServerTransaction) Key() Key {
	return st.key
}

// Branch returns the branch parameter
func (st *ServerTransaction) Branch() string {
	return st.key.Branch
}

// Method returns the request method
func (st *ServerTransaction) Method() string {
	return st.key.Method
}

// Request returns a copy of the original request
func (st *ServerTransaction) Request() *message.Request {
	return st.request.Clone()
}

// Destination returns the address responses are sent to
func (st *ServerTransaction) Destination() string {
	return st.dest
}

// State returns current state
func (st *ServerTransaction) State() State {
	st.engine.mu.Lock()
	defer st.engine.mu.Unlock()
	return st.state
}

// Response возвращает последний отправленный ответ
func (st *ServerTransaction) Response() *message.Response {
	st.engine.mu.Lock()
	defer st.engine.mu.Unlock()
	return st.response
}

// Done закрывается при переходе в Terminated
func (st *ServerTransaction) Done() <-chan struct{} {
	return st.done
}

func (st *ServerTransaction) log() *zap.Logger {
	return st.engine.logger.With(
		zap.String("branch", st.key.Branch),
		zap.String("method", st.key.Method),
		zap.String("call_id", st.request.CallID()),
	)
}

func (st *ServerTransaction) respond(resp *message.Response) error {
	switch st.state {
	case StateTrying, StateProceeding:
	case StateTerminated:
		return ErrTerminated
	default:
		return fmt.Errorf("%w: final response already sent in %s", ErrInvalidState, st.state)
	}

	st.response = resp
	st.data = resp.Bytes()

	if err := st.engine.send(st.dest, st.data); err != nil {
		st.log().Warn("response send failed", zap.Int("status", resp.StatusCode), zap.Error(err))
		st.terminate()
		return err
	}

	if resp.IsProvisional() {
		st.state = StateProceeding
		return nil
	}

	st.state = StateCompleted

	if st.key.Method == "INVITE" {
		if g := st.engine.timers.Duration(TimerG); g > 0 {
			st.interval = g
			st.timers.Start(TimerG, g, st.onTimerG)
		}
		st.timers.Start(TimerH, st.engine.timers.Duration(TimerH), st.onTimerH)
		return nil
	}

	if j := st.engine.timers.Duration(TimerJ); j > 0 {
		st.timers.Start(TimerJ, j, st.terminate)
	} else {
		st.terminate()
	}
	return nil
}

func (st *ServerTransaction) onTimerG() {
	if st.state != StateCompleted {
		return
	}

	if err := st.engine.send(st.dest, st.data); err != nil {
		st.log().Warn("response retransmit failed", zap.Error(err))
		st.engine.events.enqueue(Event{Kind: EventTransportFailure, Server: st, Request: st.request, Err: err})
		st.terminate()
		return
	}
	st.engine.metrics.retransmitted(st.key.Method)

	st.interval = GetNextRetransmitInterval(st.interval, st.engine.timers.T2)
	st.timers.Start(TimerG, st.interval, st.onTimerG)
}

func (st *ServerTransaction) onTimerH() {
	if st.state != StateCompleted {
		return
	}

	st.log().Debug("no ACK received", zap.Int("status", st.response.StatusCode))
	st.engine.metrics.timedOut(st.key.Method)
	st.engine.events.enqueue(Event{
		Kind:     EventTimeout,
		Server:   st,
		Request:  st.request,
		Response: st.response,
		Err:      ErrTimeout,
	})
	st.terminate()
}

func (st *ServerTransaction) handleAck(ack *message.Request) Event {
	if st.state != StateCompleted {
		return Event{Kind: EventNone, Server: st, Request: ack}
	}

	st.state = StateConfirmed
	st.timers.Stop(TimerG)
	st.timers.Stop(TimerH)

	if i := st.engine.timers.Duration(TimerI); i > 0 {
		st.timers.Start(TimerI, i, st.terminate)
	} else {
		st.terminate()
	}

	return Event{Kind: EventAck, Server: st, Request: ack, Response: st.response}
}

// handleRetransmit переотправляет последний ответ на повторный запрос
func (st *ServerTransaction) handleRetransmit(req *message.Request) Event {
	if st.data != nil && (st.state == StateProceeding || st.state == StateCompleted) {
		if err := st.engine.send(st.dest, st.data); err != nil {
			st.log().Warn("response retransmit failed", zap.Error(err))
		} else {
			st.engine.metrics.retransmitted(st.key.Method)
		}
	}
	return Event{Kind: EventNone, Server: st, Request: req}
}

func (st *ServerTransaction) terminate() {
	if st.state == StateTerminated {
		return
	}
	st.state = StateTerminated
	st.timers.StopAll()

	if st.engine.servers[st.key] == st {
		delete(st.engine.servers, st.key)
	}
	close(st.done)

	st.engine.events.enqueue(Event{Kind: EventTerminated, Server: st, Request: st.request})
}

// abandon завершает транзакцию без уведомлений
func (st *ServerTransaction) abandon() {
	if st.state == StateTerminated {
		return
	}
	st.state = StateTerminated
	st.timers.StopAll()
	close(st.done)
}
