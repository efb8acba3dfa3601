package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/arzzra/callsession/pkg/sip/dialog"
	"github.com/arzzra/callsession/pkg/sip/message"
	"github.com/arzzra/callsession/pkg/sip/transaction"
)

// DefaultIntentTimeout максимальное ожидание критической секции действием
const DefaultIntentTimeout = 2 * time.Second

// События FSM
const (
	eventDial   = "dial"
	eventAnswer = "answer"
	eventHold   = "hold"
	eventResume = "resume"
	eventHangup = "hangup"
	eventEnd    = "end"
)

type options struct {
	observers     []Observer
	logger        *zap.Logger
	metrics       *Metrics
	txMetrics     *transaction.Metrics
	timers        transaction.Timers
	intentTimeout time.Duration
}

// Option настраивает Session
type Option func(*options)

// WithObserver добавляет наблюдателя за переходами
func WithObserver(o Observer) Option {
	return func(opts *options) {
		if o != nil {
			opts.observers = append(opts.observers, o)
		}
	}
}

// WithLogger задает логгер
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithMetrics подключает метрики звонков
func WithMetrics(m *Metrics) Option {
	return func(opts *options) {
		opts.metrics = m
	}
}

// WithTransactionMetrics подключает метрики транзакций
func WithTransactionMetrics(m *transaction.Metrics) Option {
	return func(opts *options) {
		opts.txMetrics = m
	}
}

// WithTimers задает таймеры транзакций
func WithTimers(timers transaction.Timers) Option {
	return func(opts *options) {
		opts.timers = timers
	}
}

// WithIntentTimeout задает предел ожидания критической секции
func WithIntentTimeout(d time.Duration) Option {
	return func(opts *options) {
		if d > 0 {
			opts.intentTimeout = d
		}
	}
}

// Session управляет одним звонком: принимает действия пользователя,
// переводит их в операции диалога и сообщает наблюдателям о переходах.
//
// Действия, входящие сообщения и события транзакций выполняются в одной
// критической секции (семафор на один слот). Действия ждут ее не дольше
// IntentTimeout или срока ctx, входящие сообщения ждут без ограничения.
type Session struct {
	sem    chan struct{}
	engine *transaction.Engine
	dialog *dialog.Dialog
	fsm    *fsm.FSM

	incoming      bool
	observers     []Observer
	logger        *zap.Logger
	metrics       *Metrics
	intentTimeout time.Duration

	// mu защищает снимки, доступные наблюдателям без критической секции
	mu         sync.Mutex
	lastCause  Cause
	remoteHold bool

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(sender transaction.Sender, initial State, o *options) *Session {
	s := &Session{
		sem:           make(chan struct{}, 1),
		observers:     o.observers,
		logger:        o.logger,
		metrics:       o.metrics,
		intentTimeout: o.intentTimeout,
		done:          make(chan struct{}),
	}
	s.engine = transaction.NewEngine(sender, s,
		transaction.WithTimers(o.timers),
		transaction.WithLogger(o.logger),
		transaction.WithMetrics(o.txMetrics),
	)

	s.fsm = fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: eventDial, Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: eventAnswer, Src: []string{string(StateRinging)}, Dst: string(StateConnected)},
			{Name: eventHold, Src: []string{string(StateConnected)}, Dst: string(StateOnHold)},
			{Name: eventResume, Src: []string{string(StateOnHold)}, Dst: string(StateConnected)},
			{Name: eventHangup, Src: []string{string(StateRinging), string(StateConnected), string(StateOnHold)}, Dst: string(StateTerminated)},
			{Name: eventEnd, Src: []string{string(StateIdle), string(StateRinging), string(StateConnected), string(StateOnHold)}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.notify(State(e.Src), State(e.Dst), e.Args)
			},
		},
	)

	s.metrics.started()
	return s
}

func buildOptions(opts []Option) *options {
	o := &options{
		logger:        zap.NewNop(),
		timers:        transaction.DefaultTimers(),
		intentTimeout: DefaultIntentTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewOutgoing создает сессию исходящего звонка в состоянии Idle.
// INVITE отправляется вызовом Dial.
func NewOutgoing(sender transaction.Sender, cfg dialog.Config, media dialog.Media, remoteURI string, opts ...Option) (*Session, error) {
	o := buildOptions(opts)
	s := newSession(sender, StateIdle, o)

	d, err := dialog.NewOutgoing(s.engine, cfg, media, remoteURI, dialog.WithLogger(o.logger))
	if err != nil {
		s.engine.Close()
		s.metrics.transition(StateTerminated, CauseUserIntent)
		return nil, err
	}
	s.dialog = d
	s.logger = o.logger.With(zap.String("call_id", d.CallID()))
	return s, nil
}

// NewIncoming создает сессию по входящему INVITE в состоянии Ringing и
// отправляет 180 Ringing
func NewIncoming(sender transaction.Sender, cfg dialog.Config, media dialog.Media, invite *message.Request, opts ...Option) (*Session, error) {
	o := buildOptions(opts)
	s := newSession(sender, StateRinging, o)
	s.incoming = true

	// события движка ждут конца инициализации
	s.sem <- struct{}{}
	defer s.release()

	fail := func(err error) (*Session, error) {
		s.engine.Close()
		s.metrics.transition(StateTerminated, CauseRemoteTermination)
		return nil, err
	}

	ev, err := s.engine.OnMessage(invite)
	if err != nil {
		return fail(err)
	}
	if ev.Kind != transaction.EventRequest || ev.Server == nil {
		return fail(fmt.Errorf("%w: INVITE is not a new request", ErrInvalidTransition))
	}

	d, err := dialog.NewIncoming(s.engine, cfg, media, ev.Server, invite, dialog.WithLogger(o.logger))
	if err != nil {
		return fail(err)
	}
	s.dialog = d
	s.remoteHold = d.RemoteHold()
	s.logger = o.logger.With(zap.String("call_id", d.CallID()))
	return s, nil
}

// CallID возвращает Call-ID звонка
func (s *Session) CallID() string {
	return s.dialog.CallID()
}

// Incoming сообщает, входящий ли звонок
func (s *Session) Incoming() bool {
	return s.incoming
}

// State возвращает текущее состояние
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// LastCause возвращает причину последнего перехода
func (s *Session) LastCause() Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCause
}

// RemoteHold сообщает, держит ли нас удаленная сторона на удержании
func (s *Session) RemoteHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteHold
}

// Done закрывается, когда звонок завершен и все транзакции закончились
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// AddObserver регистрирует наблюдателя
func (s *Session) AddObserver(o Observer) {
	s.lock()
	defer s.release()
	s.observers = append(s.observers, o)
}

// Dial отправляет INVITE исходящего звонка: Idle -> Ringing
func (s *Session) Dial(ctx context.Context) error {
	return s.intent(ctx, eventDial, func() error {
		_, err := s.dialog.Invite()
		return err
	})
}

// Answer принимает входящий звонок: Ringing -> Connected
func (s *Session) Answer(ctx context.Context) error {
	return s.intent(ctx, eventAnswer, func() error {
		if !s.incoming {
			return fmt.Errorf("%w: outgoing call is answered by the remote side", ErrInvalidTransition)
		}
		return s.dialog.Accept()
	})
}

// Hold ставит звонок на удержание: Connected -> OnHold.
// Состояние меняется сразу, отказ удаленной стороны возвращает Connected.
func (s *Session) Hold(ctx context.Context) error {
	return s.intent(ctx, eventHold, s.reinvite(true))
}

// Resume снимает удержание: OnHold -> Connected
func (s *Session) Resume(ctx context.Context) error {
	return s.intent(ctx, eventResume, s.reinvite(false))
}

// ToggleHold переключает удержание в зависимости от текущего состояния
func (s *Session) ToggleHold(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		s.metrics.intent("toggle_hold", err)
		return err
	}
	defer s.release()

	event, hold := eventHold, true
	if s.State() == StateOnHold {
		event, hold = eventResume, false
	}
	err := s.apply(event, s.reinvite(hold))
	s.metrics.intent("toggle_hold", err)
	return err
}

// Hangup завершает звонок: CANCEL или отказ в Ringing, BYE в Connected и
// OnHold. code и reason передаются в заголовок Reason без изменений.
func (s *Session) Hangup(ctx context.Context, code int, reason string) error {
	return s.intent(ctx, eventHangup, func() error {
		switch {
		case s.State() != StateRinging:
			_, err := s.dialog.SendBye(code, reason)
			return err
		case s.incoming:
			return s.dialog.Reject(code, reason)
		default:
			return s.dialog.CancelInvite(code, reason)
		}
	})
}

func (s *Session) reinvite(hold bool) func() error {
	return func() error {
		_, err := s.dialog.SendReInvite(hold)
		return err
	}
}

// intent выполняет действие пользователя в критической секции
func (s *Session) intent(ctx context.Context, event string, action func() error) error {
	if err := s.acquire(ctx); err != nil {
		s.metrics.intent(event, err)
		return err
	}
	defer s.release()

	err := s.apply(event, action)
	s.metrics.intent(event, err)
	return err
}

// apply проверяет переход, выполняет действие и переводит FSM.
// Вызывается в критической секции.
func (s *Session) apply(event string, action func() error) error {
	if s.State().IsTerminal() {
		return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, s.State())
	}
	if (event == eventHold || event == eventResume) && s.dialog.ReInvitePending() {
		return ErrSessionBusy
	}
	if !s.fsm.Can(event) {
		return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, s.State())
	}

	if err := action(); err != nil {
		if errors.Is(err, dialog.ErrInvalidState) {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		// диалог не пережил ошибку отправки
		if s.dialog.State() == dialog.DialogStateTerminated {
			s.transition(eventEnd, Cause{Kind: CauseTransportFailure, Err: err})
		}
		return err
	}

	s.transition(event, Cause{Kind: CauseUserIntent})
	return nil
}

// transition переводит FSM; наблюдатели вызываются из колбэка enter_state
func (s *Session) transition(event string, cause Cause) {
	if !s.fsm.Can(event) {
		s.logger.Debug("transition skipped", zap.String("event", event), zap.Stringer("state", s.State()))
		return
	}
	if err := s.fsm.Event(context.Background(), event, cause); err != nil {
		s.logger.Warn("transition failed", zap.String("event", event), zap.Error(err))
	}
	s.checkDone()
}

func (s *Session) notify(prev, next State, args []interface{}) {
	var cause Cause
	if len(args) > 0 {
		cause, _ = args[0].(Cause)
	}
	s.mu.Lock()
	s.lastCause = cause
	s.mu.Unlock()

	s.logger.Info("call state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.String("cause", string(cause.Kind)),
		zap.Int("status", cause.StatusCode),
		zap.NamedError("cause_error", cause.Err))
	s.metrics.transition(next, cause.Kind)

	for _, o := range s.observers {
		o.OnStateChanged(prev, next, cause)
	}
}

// Receive разбирает входящие байты и передает сообщение сессии.
// Неразборчивые сообщения отбрасываются без изменения состояния.
func (s *Session) Receive(data []byte, source string) error {
	msg, err := message.Parse(data)
	if err != nil {
		s.logger.Debug("malformed message dropped", zap.String("source", source), zap.Error(err))
		return err
	}
	return s.HandleMessage(msg)
}

// HandleMessage обрабатывает разобранное входящее сообщение
func (s *Session) HandleMessage(msg message.Message) error {
	s.lock()
	defer s.release()

	update, err := s.dialog.HandleIncoming(msg)
	if err != nil {
		s.logger.Debug("message not applied", zap.Error(err))
	}
	s.applyUpdate(update)
	return err
}

// HandleTransactionEvent получает асинхронные события движка транзакций
func (s *Session) HandleTransactionEvent(ev transaction.Event) {
	s.lock()
	defer s.release()

	if s.dialog == nil {
		return
	}
	if ev.Kind == transaction.EventTerminated {
		s.checkDone()
		return
	}
	s.applyUpdate(s.dialog.HandleTransactionEvent(ev))
}

// applyUpdate переводит изменение диалога в переход звонка
func (s *Session) applyUpdate(u dialog.Update) {
	switch u.Kind {
	case dialog.UpdateAnswered:
		s.transition(eventAnswer, Cause{Kind: CauseRemoteAnswer, StatusCode: u.StatusCode, Reason: u.Reason})
	case dialog.UpdateRejected:
		s.transition(eventEnd, Cause{Kind: CauseRemoteRejected, StatusCode: u.StatusCode, Reason: u.Reason})
	case dialog.UpdateRemoteBye, dialog.UpdateRemoteCancel:
		s.transition(eventEnd, Cause{Kind: CauseRemoteTermination, StatusCode: u.StatusCode, Reason: u.Reason})
	case dialog.UpdateModifyRejected:
		cause := Cause{StatusCode: u.StatusCode, Reason: u.Reason}
		switch {
		case u.Hold && s.State() == StateOnHold:
			cause.Kind = CauseHoldRejected
			s.transition(eventResume, cause)
		case !u.Hold && s.State() == StateConnected:
			cause.Kind = CauseResumeRejected
			s.transition(eventHold, cause)
		}
	case dialog.UpdateTerminated:
		cause := Cause{Kind: CauseRemoteTermination, StatusCode: u.StatusCode, Reason: u.Reason, Err: u.Err}
		switch {
		case errors.Is(u.Err, dialog.ErrSignalingTimeout):
			cause.Kind = CauseSignalingTimeout
		case errors.Is(u.Err, dialog.ErrTransportFailure):
			cause.Kind = CauseTransportFailure
		}
		s.transition(eventEnd, cause)
	case dialog.UpdateRemoteModified:
		s.mu.Lock()
		s.remoteHold = u.Hold
		s.mu.Unlock()
		s.logger.Debug("remote modified session", zap.Bool("remote_hold", u.Hold))
	}
}

// checkDone закрывает Done после Terminated, когда транзакций не осталось
func (s *Session) checkDone() {
	if !s.State().IsTerminal() || s.engine.Active() > 0 {
		return
	}
	s.doneOnce.Do(func() {
		s.logger.Debug("call finished")
		close(s.done)
	})
}

// Close освобождает ресурсы сессии без сигнализации. Незавершенный звонок
// переходит в Terminated.
func (s *Session) Close() {
	s.lock()
	if !s.State().IsTerminal() {
		s.transition(eventEnd, Cause{Kind: CauseUserIntent, Err: transaction.ErrEngineClosed})
	}
	s.release()

	s.engine.Close()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.intentTimeout)
	defer timer.Stop()

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSessionBusy, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: waited %s", ErrSessionBusy, s.intentTimeout)
	}
}

func (s *Session) lock() {
	s.sem <- struct{}{}
}

func (s *Session) release() {
	<-s.sem
}
