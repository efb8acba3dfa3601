package dialog

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/arzzra/callsession/pkg/sip/message"
	"github.com/arzzra/callsession/pkg/sip/transaction"
)

// HandleIncoming обрабатывает входящее сообщение диалога.
//
// Новый запрос с CSeq не больше последнего принятого отклоняется с
// ErrOutOfOrderRequest без изменения состояния; ACK и CANCEL используют
// номер INVITE и не проверяются. Ответы передаются транзакциям.
func (d *Dialog) HandleIncoming(msg message.Message) (Update, error) {
	if msg.CallID() != d.callID {
		return Update{}, fmt.Errorf("%w: Call-ID %q", ErrDialogMismatch, msg.CallID())
	}

	if req, ok := msg.(*message.Request); ok && !d.engine.Known(req) {
		num, method, err := req.CSeq()
		if err != nil {
			return Update{}, err
		}
		if err := d.seq.CheckRemote(num, method); err != nil {
			d.logger.Debug("request dropped", zap.String("method", method), zap.Error(err))
			return Update{}, err
		}
	}

	ev, err := d.engine.OnMessage(msg)
	if err != nil {
		if errors.Is(err, transaction.ErrTransactionNotFound) && ev.Response != nil {
			d.absorbStrayResponse(ev.Response)
			return Update{}, nil
		}
		return Update{}, err
	}

	switch ev.Kind {
	case transaction.EventProvisional, transaction.EventFinal:
		return d.onClientEvent(ev), nil
	case transaction.EventRequest:
		return d.onRequest(ev.Server, ev.Request)
	case transaction.EventAck:
		d.onAck(ev)
	}
	return Update{}, nil
}

// HandleTransactionEvent обрабатывает асинхронные события движка:
// таймауты и ошибки транспорта
func (d *Dialog) HandleTransactionEvent(ev transaction.Event) Update {
	switch ev.Kind {
	case transaction.EventTimeout, transaction.EventTransportFailure:
	default:
		return Update{}
	}

	if ev.Client != nil {
		return d.onClientEvent(ev)
	}
	if ev.Server != nil {
		return d.onServerFailure(ev)
	}
	return Update{}
}

func (d *Dialog) onClientEvent(ev transaction.Event) Update {
	switch ev.Client {
	case nil:
		return Update{}
	case d.invite:
		return d.onInviteEvent(ev)
	case d.reinvite:
		return d.onReInviteEvent(ev)
	case d.bye:
		if ev.Response != nil {
			d.logger.Debug("BYE answered", zap.Int("status", ev.Response.StatusCode))
		} else if ev.Err != nil {
			d.logger.Debug("BYE failed", zap.Error(ev.Err))
		}
	}
	return Update{}
}

// onInviteEvent исход исходящего INVITE
func (d *Dialog) onInviteEvent(ev transaction.Event) Update {
	switch ev.Kind {
	case transaction.EventProvisional:
		resp := ev.Response
		if tag := message.Tag(resp.GetHeader("To")); tag != "" && d.state == DialogStateInit {
			d.remoteTag = tag
			d.state = DialogStateEarly
		}
		if resp.StatusCode == 100 || d.hangingUp {
			return Update{}
		}
		return Update{Kind: UpdateRinging, StatusCode: resp.StatusCode, Reason: resp.ReasonPhrase}

	case transaction.EventFinal:
		resp := ev.Response
		if !resp.IsSuccess() {
			d.state = DialogStateTerminated
			return Update{Kind: UpdateRejected, StatusCode: resp.StatusCode, Reason: resp.ReasonPhrase}
		}

		cseq, _, _ := resp.CSeq()
		d.remoteTag = message.Tag(resp.GetHeader("To"))
		d.routes.BuildFromRecordRoute(resp.GetHeaders("Record-Route"), true)
		d.refreshTarget(resp)
		d.sendAck(cseq)

		if d.hangingUp {
			// CANCEL опоздал: звонок установлен, завершаем его BYE
			d.state = DialogStateConfirmed
			if _, err := d.sendBye(); err != nil {
				d.logger.Warn("BYE after late 2xx failed", zap.Error(err))
			}
			return Update{}
		}

		d.state = DialogStateConfirmed
		d.remoteHold = len(resp.Body()) > 0 && d.media.IsHold(resp.Body())
		return Update{Kind: UpdateAnswered, StatusCode: resp.StatusCode, Reason: resp.ReasonPhrase}

	case transaction.EventTimeout, transaction.EventTransportFailure:
		wasHangingUp := d.hangingUp
		d.state = DialogStateTerminated
		if wasHangingUp {
			return Update{}
		}
		return Update{Kind: UpdateTerminated, Err: signalingError(ev)}
	}
	return Update{}
}

// onReInviteEvent исход нашего re-INVITE
func (d *Dialog) onReInviteEvent(ev transaction.Event) Update {
	if ev.Kind == transaction.EventProvisional {
		return Update{}
	}

	hold := d.reinviteHold
	d.reinvite = nil

	switch ev.Kind {
	case transaction.EventFinal:
		resp := ev.Response
		if resp.IsSuccess() {
			cseq, _, _ := resp.CSeq()
			d.sendAck(cseq)
			if d.hangingUp {
				return Update{}
			}
			d.refreshTarget(resp)
			d.localHold = hold
			return Update{Kind: UpdateModified, StatusCode: resp.StatusCode, Reason: resp.ReasonPhrase, Hold: hold}
		}

		if d.hangingUp {
			return Update{}
		}

		switch resp.StatusCode {
		case 481:
			// удаленная сторона не знает диалог (RFC 3261 §14.1)
			d.state = DialogStateTerminated
			return Update{Kind: UpdateTerminated, StatusCode: resp.StatusCode, Reason: resp.ReasonPhrase,
				Hold: hold, Err: fmt.Errorf("%w: re-INVITE answered %d", ErrDialogMismatch, resp.StatusCode)}
		case 408:
			d.terminateWithBye(408)
			return Update{Kind: UpdateTerminated, StatusCode: resp.StatusCode, Reason: resp.ReasonPhrase,
				Hold: hold, Err: fmt.Errorf("%w: re-INVITE answered %d", ErrSignalingTimeout, resp.StatusCode)}
		}
		return Update{Kind: UpdateModifyRejected, StatusCode: resp.StatusCode, Reason: resp.ReasonPhrase, Hold: hold}

	case transaction.EventTimeout:
		if d.hangingUp {
			return Update{}
		}
		d.terminateWithBye(408)
		return Update{Kind: UpdateTerminated, Hold: hold, Err: signalingError(ev)}

	case transaction.EventTransportFailure:
		if d.hangingUp {
			return Update{}
		}
		d.state = DialogStateTerminated
		return Update{Kind: UpdateTerminated, Hold: hold, Err: signalingError(ev)}
	}
	return Update{}
}

// onServerFailure таймаут ожидания ACK или ошибка ретрансмиссии ответа
func (d *Dialog) onServerFailure(ev transaction.Event) Update {
	if ev.Server != d.inviteServer && ev.Server != d.remoteReinvite {
		return Update{}
	}
	if ev.Server == d.remoteReinvite {
		d.remoteReinvite = nil
	}
	if d.state == DialogStateTerminated {
		return Update{}
	}

	if ev.Kind == transaction.EventTransportFailure {
		d.state = DialogStateTerminated
		return Update{Kind: UpdateTerminated, Err: signalingError(ev)}
	}
	if ev.Response == nil || !ev.Response.IsSuccess() {
		return Update{}
	}

	// 2xx без ACK: сессия не подтверждена, завершаем BYE (RFC 3261 §13.3.1.4)
	d.logger.Warn("no ACK for 2xx, terminating", zap.String("method", ev.Server.Method()))
	d.terminateWithBye(408)
	return Update{Kind: UpdateTerminated, Err: signalingError(ev)}
}

func (d *Dialog) onAck(ev transaction.Event) {
	switch {
	case ev.Server == nil:
		d.logger.Debug("stray ACK ignored")
	case ev.Server == d.remoteReinvite:
		d.remoteReinvite = nil
	case ev.Server == d.inviteServer:
		d.logger.Debug("INVITE confirmed by ACK")
	}
}

// absorbStrayResponse повторяет ACK на 2xx, пришедший после завершения
// INVITE транзакции
func (d *Dialog) absorbStrayResponse(resp *message.Response) {
	num, method, err := resp.CSeq()
	if err != nil || method != "INVITE" || !resp.IsSuccess() || d.lastAck == nil {
		return
	}
	if ackNum, _, _ := d.lastAck.CSeq(); ackNum != num {
		return
	}
	if err := d.engine.SendAck(d.lastAck, d.nextHop()); err != nil {
		d.logger.Warn("ACK retransmit failed", zap.Error(err))
	}
}

// onRequest обрабатывает новый запрос удаленной стороны
func (d *Dialog) onRequest(st *transaction.ServerTransaction, req *message.Request) (Update, error) {
	num, method, _ := req.CSeq()

	if method == "CANCEL" {
		return d.onCancel(st, req), nil
	}

	if !d.matches(req) {
		_ = d.respond(st, req, 481, "", nil)
		return Update{}, fmt.Errorf("%w: %s for %s", ErrDialogMismatch, method, KeyOf(req))
	}
	d.seq.AcceptRemote(num, method)

	switch method {
	case "BYE":
		return d.onBye(st, req), nil
	case "INVITE":
		return d.onReInvite(st, req), nil
	case "OPTIONS":
		resp := d.response(req, 200, "", nil)
		resp.SetHeader("Allow", allowedMethods)
		return Update{}, d.engine.Respond(st, resp)
	default:
		resp := d.response(req, 405, "", nil)
		resp.SetHeader("Allow", allowedMethods)
		return Update{}, d.engine.Respond(st, resp)
	}
}

func (d *Dialog) onBye(st *transaction.ServerTransaction, req *message.Request) Update {
	if err := d.respond(st, req, 200, "", nil); err != nil {
		d.logger.Warn("BYE response failed", zap.Error(err))
	}
	if d.state == DialogStateTerminated {
		return Update{}
	}

	d.state = DialogStateTerminated
	d.hangingUp = true

	update := Update{Kind: UpdateRemoteBye}
	if code, text, ok := message.ParseReason(req.GetHeader("Reason")); ok {
		update.StatusCode = code
		update.Reason = text
	}
	d.logger.Debug("remote BYE", zap.Int("cause", update.StatusCode), zap.String("reason", update.Reason))
	return update
}

// onCancel отменяет входящий INVITE (RFC 3261 §9.2)
func (d *Dialog) onCancel(st *transaction.ServerTransaction, req *message.Request) Update {
	target := d.engine.Matching(req)
	if target == nil || target != d.inviteServer {
		_ = d.engine.Respond(st, message.ResponseFor(req, 481, "", d.localTag))
		return Update{}
	}

	if err := d.engine.Respond(st, message.ResponseFor(req, 200, "", d.localTag)); err != nil {
		d.logger.Warn("CANCEL response failed", zap.Error(err))
	}
	if d.state != DialogStateEarly {
		return Update{}
	}

	if err := d.respond(d.inviteServer, d.inviteRequest, 487, "", nil); err != nil {
		d.logger.Warn("487 send failed", zap.Error(err))
	}
	d.state = DialogStateTerminated
	d.hangingUp = true

	update := Update{Kind: UpdateRemoteCancel, StatusCode: 487}
	if code, text, ok := message.ParseReason(req.GetHeader("Reason")); ok {
		update.StatusCode = code
		update.Reason = text
	}
	return update
}

// onReInvite принимает re-INVITE удаленной стороны. При нашем
// незавершенном re-INVITE отвечает 491 (RFC 3261 §14.2).
func (d *Dialog) onReInvite(st *transaction.ServerTransaction, req *message.Request) Update {
	switch {
	case d.state == DialogStateTerminated:
		_ = d.respond(st, req, 481, "", nil)
		return Update{}
	case d.reinvite != nil || d.remoteReinvite != nil || d.state != DialogStateConfirmed:
		_ = d.respond(st, req, 491, "", nil)
		return Update{}
	}

	var (
		body []byte
		err  error
	)
	offer := req.Body()
	if len(offer) > 0 {
		body, err = d.media.Answer(offer, d.localHold)
	} else {
		body, err = d.media.Offer(d.localHold)
	}
	if err != nil {
		d.logger.Warn("re-INVITE not acceptable", zap.Error(err))
		_ = d.respond(st, req, 488, "", nil)
		return Update{}
	}

	if err := d.respond(st, req, 200, "", body); err != nil {
		d.logger.Warn("re-INVITE response failed", zap.Error(err))
		return Update{}
	}

	d.refreshTarget(req)
	d.remoteReinvite = st
	d.remoteHold = len(offer) > 0 && d.media.IsHold(offer)
	return Update{Kind: UpdateRemoteModified, StatusCode: 200, Hold: d.remoteHold}
}

func signalingError(ev transaction.Event) error {
	method := ""
	if ev.Request != nil {
		method = ev.Request.Method
	}
	if ev.Kind == transaction.EventTransportFailure {
		return fmt.Errorf("%w: %s", ErrTransportFailure, method)
	}
	return fmt.Errorf("%w: %s", ErrSignalingTimeout, method)
}
