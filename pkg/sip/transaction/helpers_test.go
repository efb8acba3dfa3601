package transaction

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arzzra/callsession/pkg/sip/message"
)

// testTimers короткие таймеры: Timer B/F/D/H = 640ms, K/I = 50ms
func testTimers() Timers {
	return Timers{
		T1:             10 * time.Millisecond,
		T2:             40 * time.Millisecond,
		T4:             50 * time.Millisecond,
		MaxRetransmits: 10,
	}
}

type sentMessage struct {
	dest string
	msg  message.Message
}

// recorder фейковый транспорт, запоминающий отправленные сообщения
type recorder struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (r *recorder) Send(dest string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail {
		return errors.New("network unreachable")
	}
	msg, err := message.Parse(data)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, sentMessage{dest: dest, msg: msg})
	return nil
}

func (r *recorder) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

// requests возвращает отправленные запросы метода
func (r *recorder) requests(method string) []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sentMessage
	for _, s := range r.sent {
		if req, ok := s.msg.(*message.Request); ok && req.Method == method {
			out = append(out, s)
		}
	}
	return out
}

// responses возвращает отправленные ответы с кодом
func (r *recorder) responses(code int) []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sentMessage
	for _, s := range r.sent {
		if resp, ok := s.msg.(*message.Response); ok && resp.StatusCode == code {
			out = append(out, s)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *recorder, chan Event) {
	t.Helper()

	rec := &recorder{}
	events := make(chan Event, 128)
	engine := NewEngine(rec, HandlerFunc(func(ev Event) { events <- ev }),
		WithTimers(testTimers()),
		WithLogger(zaptest.NewLogger(t)),
	)
	t.Cleanup(engine.Close)
	return engine, rec, events
}

// nextEvent ждет следующее асинхронное событие, пропуская EventTerminated
// если ждем другое
func nextEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventTerminated && kind != EventTerminated {
				continue
			}
			require.Equal(t, kind, ev.Kind, "unexpected event %s", ev.Kind)
			return ev
		case <-deadline:
			t.Fatalf("event %s not delivered", kind)
			return Event{}
		}
	}
}

// noEvent проверяет, что событие kind не приходит за период
func noEvent(t *testing.T, events <-chan Event, kind EventKind, wait time.Duration) {
	t.Helper()

	deadline := time.After(wait)
	for {
		select {
		case ev := <-events:
			require.NotEqual(t, kind, ev.Kind, "unexpected event %s", ev.Kind)
		case <-deadline:
			return
		}
	}
}

func newRequest(t *testing.T, method string, cseq uint32) *message.Request {
	t.Helper()

	req, err := message.BuildRequest(method, "sip:bob@192.0.2.4:5060").
		Via("UDP", "192.0.2.1:5070", GenerateBranch()).
		From("sip:alice@example.com", "alice-tag").
		To("sip:bob@example.com", "").
		CallID("call-1@example.com").
		CSeq(cseq).
		Build()
	require.NoError(t, err)
	return req
}
