// Package phone держит звонки одного user agent и распределяет входящие
// сообщения по Call-ID.
package phone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/arzzra/callsession/pkg/call"
	"github.com/arzzra/callsession/pkg/sip/dialog"
	"github.com/arzzra/callsession/pkg/sip/message"
	"github.com/arzzra/callsession/pkg/sip/transaction"
)

// ErrClosed телефон закрыт
var ErrClosed = errors.New("phone closed")

// MediaFactory создает SDP сессию для нового звонка
type MediaFactory func() (dialog.Media, error)

// IncomingHandler вызывается для каждого нового входящего звонка после
// отправки 180 Ringing
type IncomingHandler func(s *call.Session)

// Option настраивает Phone
type Option func(*Phone)

// WithLogger задает логгер
func WithLogger(logger *zap.Logger) Option {
	return func(p *Phone) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics подключает метрики телефона, звонков и транзакций
func WithMetrics(m *Metrics, calls *call.Metrics, tx *transaction.Metrics) Option {
	return func(p *Phone) {
		p.metrics = m
		p.callMetrics = calls
		p.txMetrics = tx
	}
}

// WithTimers задает таймеры транзакций всех звонков
func WithTimers(timers transaction.Timers) Option {
	return func(p *Phone) {
		p.timers = timers
	}
}

// WithIntentTimeout задает предел ожидания действий звонков
func WithIntentTimeout(d time.Duration) Option {
	return func(p *Phone) {
		p.intentTimeout = d
	}
}

// WithObserver добавляет наблюдателя ко всем звонкам
func WithObserver(o call.Observer) Option {
	return func(p *Phone) {
		p.observers = append(p.observers, o)
	}
}

// OnIncoming задает обработчик новых входящих звонков. Без обработчика
// входящие звонки остаются в Ringing до CANCEL.
func OnIncoming(h IncomingHandler) Option {
	return func(p *Phone) {
		p.onIncoming = h
	}
}

// Phone набор звонков одного user agent поверх общего транспорта
type Phone struct {
	sender transaction.Sender
	config dialog.Config
	media  MediaFactory

	logger        *zap.Logger
	metrics       *Metrics
	callMetrics   *call.Metrics
	txMetrics     *transaction.Metrics
	timers        transaction.Timers
	intentTimeout time.Duration
	observers     []call.Observer
	onIncoming    IncomingHandler

	// stray отвечает на запросы вне известных звонков
	stray *transaction.Engine

	mu       sync.RWMutex
	sessions map[string]*call.Session
	closed   bool
	wg       sync.WaitGroup
}

// New создает телефон. sender - транспорт, общий для всех звонков.
func New(sender transaction.Sender, config dialog.Config, media MediaFactory, opts ...Option) *Phone {
	p := &Phone{
		sender:        sender,
		config:        config,
		media:         media,
		logger:        zap.NewNop(),
		timers:        transaction.DefaultTimers(),
		intentTimeout: call.DefaultIntentTimeout,
		sessions:      make(map[string]*call.Session),
	}
	for _, opt := range opts {
		opt(p)
	}

	strayLog := p.logger.Named("stray")
	p.stray = transaction.NewEngine(sender,
		transaction.HandlerFunc(func(ev transaction.Event) {
			strayLog.Debug("stray transaction event", zap.Stringer("kind", ev.Kind), zap.Error(ev.Err))
		}),
		transaction.WithTimers(p.timers),
		transaction.WithLogger(strayLog),
		transaction.WithMetrics(p.txMetrics),
	)
	return p
}

func (p *Phone) sessionOptions() []call.Option {
	opts := []call.Option{
		call.WithLogger(p.logger),
		call.WithMetrics(p.callMetrics),
		call.WithTransactionMetrics(p.txMetrics),
		call.WithTimers(p.timers),
		call.WithIntentTimeout(p.intentTimeout),
	}
	for _, o := range p.observers {
		opts = append(opts, call.WithObserver(o))
	}
	return opts
}

// Dial создает исходящий звонок и отправляет INVITE
func (p *Phone) Dial(ctx context.Context, remoteURI string) (*call.Session, error) {
	media, err := p.media()
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}

	s, err := call.NewOutgoing(p.sender, p.config, media, remoteURI, p.sessionOptions()...)
	if err != nil {
		return nil, err
	}
	if err := p.track(s); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.Dial(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Get возвращает звонок по Call-ID
func (p *Phone) Get(callID string) (*call.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.sessions[callID]
	return s, ok
}

// Calls возвращает все отслеживаемые звонки
func (p *Phone) Calls() []*call.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return lo.Values(p.sessions)
}

// HandleRaw разбирает датаграмму транспорта и передает ее звонку.
// Совместим с transport.Handler.
func (p *Phone) HandleRaw(data []byte, source string) {
	msg, err := message.Parse(data)
	if err != nil {
		p.metrics.drop(dropMalformed)
		p.logger.Debug("malformed message dropped", zap.String("source", source), zap.Error(err))
		return
	}
	if err := p.HandleMessage(msg); err != nil {
		p.logger.Debug("message not applied", zap.String("source", source), zap.Error(err))
	}
}

// HandleMessage передает сообщение звонку с тем же Call-ID. Новый INVITE
// без To tag создает входящий звонок, прочие запросы вне звонков
// получают 481.
func (p *Phone) HandleMessage(msg message.Message) error {
	if s, ok := p.Get(msg.CallID()); ok {
		err := s.HandleMessage(msg)
		if err != nil {
			p.metrics.drop(dropRejected)
		}
		return err
	}

	req, ok := msg.(*message.Request)
	if !ok {
		p.metrics.drop(dropUnknownResponse)
		return fmt.Errorf("%w: response for unknown call %s", dialog.ErrDialogMismatch, msg.CallID())
	}

	switch {
	case req.Method == "ACK":
		if p.stray.Known(req) {
			_, err := p.stray.OnMessage(req)
			return err
		}
		p.metrics.drop(dropUnknownAck)
		return nil
	case req.Method == "INVITE" && message.Tag(req.GetHeader("To")) == "":
		return p.accept(req)
	default:
		return p.rejectStray(req)
	}
}

// accept создает входящий звонок
func (p *Phone) accept(invite *message.Request) error {
	media, err := p.media()
	if err != nil {
		_ = p.rejectWith(invite, 500)
		return fmt.Errorf("media: %w", err)
	}

	s, err := call.NewIncoming(p.sender, p.config, media, invite, p.sessionOptions()...)
	if err != nil {
		return err
	}
	if err := p.track(s); err != nil {
		s.Close()
		return err
	}

	p.logger.Info("incoming call", zap.String("call_id", s.CallID()), zap.String("from", invite.GetHeader("From")))
	if p.onIncoming != nil {
		p.onIncoming(s)
	}
	return nil
}

// rejectStray отвечает 481 на запрос вне известных звонков
func (p *Phone) rejectStray(req *message.Request) error {
	p.metrics.drop(dropUnknownDialog)
	if err := p.rejectWith(req, 481); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s for unknown call %s", dialog.ErrDialogMismatch, req.Method, req.CallID())
}

func (p *Phone) rejectWith(req *message.Request, code int) error {
	ev, err := p.stray.OnMessage(req)
	if err != nil {
		return err
	}
	if ev.Kind != transaction.EventRequest {
		// повтор запроса, ответ уже переотправлен транзакцией
		return nil
	}
	return p.stray.Respond(ev.Server, message.ResponseFor(req, code, "", sip.GenerateTagN(16)))
}

// track регистрирует звонок и удаляет его после Done
func (p *Phone) track(s *call.Session) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.sessions[s.CallID()] = s
	p.metrics.setSessions(len(p.sessions))
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-s.Done()
		p.forget(s)
	}()
	return nil
}

func (p *Phone) forget(s *call.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessions[s.CallID()] == s {
		delete(p.sessions, s.CallID())
		p.metrics.setSessions(len(p.sessions))
		p.logger.Debug("call removed", zap.String("call_id", s.CallID()))
	}
}

// Close закрывает все звонки без сигнализации
func (p *Phone) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := lo.Values(p.sessions)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	p.wg.Wait()
	p.stray.Close()
}
