package dialog

import (
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arzzra/callsession/pkg/sip/message"
	"github.com/arzzra/callsession/pkg/sip/transaction"
)

const (
	sdpContentType = "application/sdp"
	allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS"
)

// Option настраивает Dialog
type Option func(*Dialog)

// WithLogger задает логгер диалога
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dialog) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Dialog состояние SIP диалога одного звонка (RFC 3261 §12).
//
// Dialog не синхронизирован: все методы, включая HandleIncoming и
// HandleTransactionEvent, должен вызывать один владелец под своей
// блокировкой. Запросы отправляются через transaction.Engine.
type Dialog struct {
	engine *transaction.Engine
	cfg    Config
	media  Media
	logger *zap.Logger

	role  Role
	state DialogState

	callID     string
	localTag   string
	remoteTag  string
	localAddr  string // From/To локальной стороны без tag
	remoteAddr string // From/To удаленной стороны

	remoteTarget string
	routes       *RouteSet
	seq          *SequenceManager

	// исходящий INVITE
	invite  *transaction.ClientTransaction
	lastAck *message.Request

	// входящий INVITE
	inviteServer  *transaction.ServerTransaction
	inviteRequest *message.Request

	// наш незавершенный re-INVITE и его hold-семантика
	reinvite     *transaction.ClientTransaction
	reinviteHold bool
	// re-INVITE удаленной стороны, ожидающий ACK
	remoteReinvite *transaction.ServerTransaction

	bye       *transaction.ClientTransaction
	hangingUp bool
	hangup    struct {
		code   int
		reason string
	}

	localHold  bool
	remoteHold bool
}

func newDialog(engine *transaction.Engine, cfg Config, media Media, role Role, opts []Option) *Dialog {
	d := &Dialog{
		engine:   engine,
		cfg:      cfg.withDefaults(),
		media:    media,
		logger:   zap.NewNop(),
		role:     role,
		state:    DialogStateInit,
		localTag: sip.GenerateTagN(16),
		routes:   NewRouteSet(),
		seq:      NewSequenceManager(GenerateInitialCSeq()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewOutgoing создает диалог исходящего звонка на remoteURI.
// INVITE отправляется вызовом Invite.
func NewOutgoing(engine *transaction.Engine, cfg Config, media Media, remoteURI string, opts ...Option) (*Dialog, error) {
	var uri sip.Uri
	if err := sip.ParseUri(remoteURI, &uri); err != nil {
		return nil, fmt.Errorf("invalid remote URI %q: %w", remoteURI, err)
	}
	if cfg.LocalURI == "" {
		return nil, errors.New("local URI is required")
	}

	d := newDialog(engine, cfg, media, RoleUAC, opts)
	d.callID = uuid.NewString()
	d.localAddr = d.cfg.localAddress()
	d.remoteAddr = "<" + remoteURI + ">"
	d.remoteTarget = remoteURI
	d.logger = d.logger.With(zap.String("call_id", d.callID))
	return d, nil
}

// NewIncoming создает диалог по входящему INVITE и отправляет 180 Ringing.
// st - серверная транзакция INVITE, созданная Engine.OnMessage.
func NewIncoming(engine *transaction.Engine, cfg Config, media Media, st *transaction.ServerTransaction, invite *message.Request, opts ...Option) (*Dialog, error) {
	if invite == nil || invite.Method != "INVITE" {
		return nil, fmt.Errorf("%w: not an INVITE", ErrInvalidState)
	}
	cseq, _, err := invite.CSeq()
	if err != nil {
		return nil, err
	}

	d := newDialog(engine, cfg, media, RoleUAS, opts)
	d.callID = invite.CallID()
	d.remoteTag = message.Tag(invite.GetHeader("From"))
	d.localAddr = invite.GetHeader("To")
	d.remoteAddr = invite.GetHeader("From")
	d.remoteTarget = message.AddrSpec(invite.GetHeader("Contact"))
	if d.remoteTarget == "" {
		d.remoteTarget = message.AddrSpec(d.remoteAddr)
	}
	d.routes.BuildFromRecordRoute(invite.GetHeaders("Record-Route"), false)
	d.seq.AcceptRemote(cseq, "INVITE")
	d.inviteServer = st
	d.inviteRequest = invite
	d.remoteHold = len(invite.Body()) > 0 && media.IsHold(invite.Body())
	d.state = DialogStateEarly
	d.logger = d.logger.With(zap.String("call_id", d.callID))

	if err := d.respond(st, invite, 180, "", nil); err != nil {
		d.state = DialogStateTerminated
		return nil, err
	}
	return d, nil
}

// CallID возвращает Call-ID диалога
func (d *Dialog) CallID() string {
	return d.callID
}

// Role возвращает роль стороны
func (d *Dialog) Role() Role {
	return d.role
}

// State возвращает состояние диалога
func (d *Dialog) State() DialogState {
	return d.state
}

// LocalTag возвращает локальный tag
func (d *Dialog) LocalTag() string {
	return d.localTag
}

// RemoteTag возвращает удаленный tag
func (d *Dialog) RemoteTag() string {
	return d.remoteTag
}

// RemoteTarget возвращает последний известный Contact удаленной стороны
func (d *Dialog) RemoteTarget() string {
	return d.remoteTarget
}

// RouteSet возвращает route set диалога
func (d *Dialog) RouteSet() *RouteSet {
	return d.routes
}

// LocalCSeq возвращает последний использованный локальный CSeq
func (d *Dialog) LocalCSeq() uint32 {
	return d.seq.LocalCSeq()
}

// RemoteCSeq возвращает последний принятый удаленный CSeq
func (d *Dialog) RemoteCSeq() uint32 {
	return d.seq.RemoteCSeq()
}

// LocalHold сообщает, держим ли мы удаленную сторону на удержании
func (d *Dialog) LocalHold() bool {
	return d.localHold
}

// RemoteHold сообщает, держит ли нас удаленная сторона на удержании
func (d *Dialog) RemoteHold() bool {
	return d.remoteHold
}

// ReInvitePending сообщает, есть ли незавершенный re-INVITE
func (d *Dialog) ReInvitePending() bool {
	return d.reinvite != nil
}

// Invite отправляет исходящий INVITE с SDP offer
func (d *Dialog) Invite() (*transaction.ClientTransaction, error) {
	if d.role != RoleUAC || d.state != DialogStateInit || d.invite != nil {
		return nil, fmt.Errorf("%w: INVITE in %s", ErrInvalidState, d.state)
	}

	body, err := d.media.Offer(false)
	if err != nil {
		return nil, err
	}
	req, err := d.request("INVITE").Body(sdpContentType, body).Build()
	if err != nil {
		return nil, err
	}

	dest := d.cfg.OutboundProxy
	if dest == "" {
		dest = d.routes.NextHop(d.remoteTarget)
	}
	// первый INVITE ограничен Timer B только до 1xx: звонок может звонить долго
	tx, err := d.engine.Start(req, dest, time.Time{})
	if err != nil {
		return nil, err
	}
	d.invite = tx
	d.logger.Debug("INVITE sent", zap.String("dest", dest), zap.String("branch", tx.Branch()))
	return tx, nil
}

// CancelInvite отменяет исходящий INVITE до ответа 2xx. Если 2xx все же
// придет, диалог отправит ACK и сразу BYE с теми же code/reason.
func (d *Dialog) CancelInvite(code int, reason string) error {
	if d.role != RoleUAC || d.invite == nil {
		return fmt.Errorf("%w: no outgoing INVITE", ErrInvalidState)
	}
	if d.state == DialogStateConfirmed || d.state == DialogStateTerminated {
		return fmt.Errorf("%w: CANCEL in %s", ErrInvalidState, d.state)
	}

	d.markHangup(code, reason)
	d.state = DialogStateTerminated

	if _, err := d.engine.Cancel(d.invite, message.FormatReason(code, reason)); err != nil {
		if errors.Is(err, transaction.ErrCannotCancel) {
			// транзакция INVITE уже завершилась таймаутом или ошибкой
			return nil
		}
		return err
	}
	return nil
}

// Accept принимает входящий INVITE ответом 200 OK с SDP answer
// (или offer, если INVITE пришел без тела)
func (d *Dialog) Accept() error {
	if d.role != RoleUAS || d.state != DialogStateEarly {
		return fmt.Errorf("%w: accept in %s", ErrInvalidState, d.state)
	}

	var (
		body []byte
		err  error
	)
	if offer := d.inviteRequest.Body(); len(offer) > 0 {
		body, err = d.media.Answer(offer, d.localHold)
	} else {
		body, err = d.media.Offer(d.localHold)
	}
	if err != nil {
		d.logger.Warn("SDP answer failed", zap.Error(err))
		_ = d.respond(d.inviteServer, d.inviteRequest, 488, "", nil)
		d.state = DialogStateTerminated
		return err
	}

	if err := d.respond(d.inviteServer, d.inviteRequest, 200, "", body); err != nil {
		d.state = DialogStateTerminated
		return err
	}
	d.state = DialogStateConfirmed
	return nil
}

// Reject отклоняет входящий INVITE финальным ответом code. reason
// становится reason-phrase и заголовком Reason. Код вне 300-699 не может
// быть финальным отказом: отправляется 603, а исходный code остается в
// заголовке Reason.
func (d *Dialog) Reject(code int, reason string) error {
	if d.role != RoleUAS || d.state != DialogStateEarly {
		return fmt.Errorf("%w: reject in %s", ErrInvalidState, d.state)
	}

	d.markHangup(code, reason)
	d.state = DialogStateTerminated

	status := code
	if status < 300 || status > 699 {
		status = 603
	}
	resp := d.response(d.inviteRequest, status, reason, nil)
	resp.SetHeader("Reason", message.FormatReason(code, reason))
	return d.engine.Respond(d.inviteServer, resp)
}

// SendReInvite отправляет re-INVITE для удержания (hold=true) или
// возобновления. Пока предыдущий re-INVITE в любом направлении не
// завершен, возвращает ErrSessionBusy.
func (d *Dialog) SendReInvite(hold bool) (*transaction.ClientTransaction, error) {
	if err := d.checkConfirmed(); err != nil {
		return nil, err
	}
	if d.reinvite != nil || d.remoteReinvite != nil {
		return nil, ErrSessionBusy
	}

	body, err := d.media.Offer(hold)
	if err != nil {
		return nil, err
	}
	req, err := d.request("INVITE").Body(sdpContentType, body).Build()
	if err != nil {
		return nil, err
	}

	tx, err := d.engine.Start(req, d.nextHop(), d.deadline())
	if err != nil {
		return nil, err
	}
	d.reinvite = tx
	d.reinviteHold = hold
	d.logger.Debug("re-INVITE sent", zap.Bool("hold", hold), zap.Uint32("cseq", d.seq.LocalCSeq()))
	return tx, nil
}

// SendBye завершает установленный диалог. Reason заголовок содержит
// code и reason без изменений. Незавершенный re-INVITE отменяется CANCEL,
// а если на него все же придет 2xx, он будет подтвержден ACK.
func (d *Dialog) SendBye(code int, reason string) (*transaction.ClientTransaction, error) {
	if err := d.checkConfirmed(); err != nil {
		return nil, err
	}

	d.markHangup(code, reason)

	if d.reinvite != nil {
		if _, err := d.engine.Cancel(d.reinvite, message.FormatReason(code, reason)); err != nil &&
			!errors.Is(err, transaction.ErrCannotCancel) {
			d.logger.Warn("re-INVITE CANCEL failed", zap.Error(err))
		}
	}
	return d.sendBye()
}

func (d *Dialog) checkConfirmed() error {
	switch {
	case d.state == DialogStateTerminated || d.hangingUp:
		return ErrTerminated
	case d.state != DialogStateConfirmed:
		return fmt.Errorf("%w: %s", ErrInvalidState, d.state)
	}
	return nil
}

func (d *Dialog) markHangup(code int, reason string) {
	d.hangingUp = true
	d.hangup.code = code
	d.hangup.reason = reason
}

// sendBye отправляет BYE с сохраненными code/reason и завершает диалог
func (d *Dialog) sendBye() (*transaction.ClientTransaction, error) {
	d.state = DialogStateTerminated

	req, err := d.request("BYE").
		Header("Reason", message.FormatReason(d.hangup.code, d.hangup.reason)).
		Build()
	if err != nil {
		return nil, err
	}

	tx, err := d.engine.Start(req, d.nextHop(), d.deadline())
	if err != nil {
		return nil, err
	}
	d.bye = tx
	d.logger.Debug("BYE sent", zap.Int("cause", d.hangup.code), zap.String("reason", d.hangup.reason))
	return tx, nil
}

// terminateWithBye завершает диалог по ошибке сигнализации
func (d *Dialog) terminateWithBye(code int) {
	if d.state == DialogStateTerminated {
		return
	}
	d.markHangup(code, message.DefaultReason(code))
	if _, err := d.sendBye(); err != nil {
		d.logger.Warn("BYE failed", zap.Error(err))
	}
}

// request начинает запрос внутри диалога со следующим локальным CSeq
func (d *Dialog) request(method string) *message.RequestBuilder {
	requestURI, routes := d.routes.RequestTarget(d.remoteTarget)
	return message.BuildRequest(method, requestURI).
		Via(d.cfg.Transport, d.cfg.ViaHost, transaction.GenerateBranch()).
		From(d.localAddr, d.localTag).
		To(d.remoteAddr, d.remoteTag).
		CallID(d.callID).
		CSeq(d.seq.NextLocalCSeq()).
		Contact(d.cfg.Contact).
		Routes(routes)
}

// sendAck отправляет ACK на 2xx (RFC 3261 §13.2.2.4): новая транзакция,
// CSeq номер INVITE
func (d *Dialog) sendAck(cseq uint32) {
	requestURI, routes := d.routes.RequestTarget(d.remoteTarget)
	ack, err := message.BuildRequest("ACK", requestURI).
		Via(d.cfg.Transport, d.cfg.ViaHost, transaction.GenerateBranch()).
		From(d.localAddr, d.localTag).
		To(d.remoteAddr, d.remoteTag).
		CallID(d.callID).
		CSeq(cseq).
		Routes(routes).
		Build()
	if err != nil {
		d.logger.Warn("ACK build failed", zap.Error(err))
		return
	}

	d.lastAck = ack
	if err := d.engine.SendAck(ack, d.nextHop()); err != nil {
		d.logger.Warn("ACK send failed", zap.Error(err))
	}
}

// response строит ответ от имени диалога: локальный tag, Contact для
// 1xx/2xx на INVITE
func (d *Dialog) response(req *message.Request, code int, reason string, body []byte) *message.Response {
	resp := message.ResponseFor(req, code, reason, d.localTag)
	if req.Method == "INVITE" && code > 100 && code < 300 && d.cfg.Contact != "" {
		resp.SetHeader("Contact", "<"+d.cfg.Contact+">")
	}
	if body != nil {
		resp.SetBody(sdpContentType, body)
	}
	return resp
}

func (d *Dialog) respond(st *transaction.ServerTransaction, req *message.Request, code int, reason string, body []byte) error {
	return d.engine.Respond(st, d.response(req, code, reason, body))
}

// nextHop адрес следующего узла для запросов внутри диалога
func (d *Dialog) nextHop() string {
	return d.routes.NextHop(d.remoteTarget)
}

// deadline абсолютный предел запроса внутри диалога: 1xx на re-INVITE
// не продлевает ожидание финального ответа
func (d *Dialog) deadline() time.Time {
	timeout := d.cfg.TransactionTimeout
	if timeout <= 0 {
		timeout = d.engine.Timers().Duration(transaction.TimerB)
	}
	return time.Now().Add(timeout)
}

// refreshTarget обновляет remote target из Contact (target refresh)
func (d *Dialog) refreshTarget(msg message.Message) {
	if target := message.AddrSpec(msg.GetHeader("Contact")); target != "" {
		d.remoteTarget = target
	}
}
