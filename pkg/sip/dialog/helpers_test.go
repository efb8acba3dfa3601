package dialog

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arzzra/callsession/pkg/media_sdp"
	"github.com/arzzra/callsession/pkg/sip/message"
	"github.com/arzzra/callsession/pkg/sip/transaction"
)

const (
	bobURI    = "sip:bob@192.0.2.4:5070"
	bobTarget = "sip:bob@192.0.2.4:5080"
	bobTag    = "bob-tag"
)

func testConfig() Config {
	return Config{
		LocalURI:    "sip:alice@192.0.2.1",
		DisplayName: "Alice",
		Contact:     "sip:alice@192.0.2.1:5060",
		ViaHost:     "192.0.2.1:5060",
	}
}

func testTimers() transaction.Timers {
	return transaction.Timers{
		T1:             10 * time.Millisecond,
		T2:             40 * time.Millisecond,
		T4:             50 * time.Millisecond,
		MaxRetransmits: 10,
	}
}

type sentMessage struct {
	dest string
	raw  string
	msg  message.Message
}

// recorder фейковый транспорт, запоминающий отправленные сообщения.
// requests и responses не учитывают побайтные повторы (ретрансмиссии
// таймеров), sends считает все отправки.
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
	r.sent = append(r.sent, sentMessage{dest: dest, raw: string(data), msg: msg})
	return nil
}

func (r *recorder) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *recorder) filter(match func(message.Message) bool, distinct bool) []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sentMessage
	seen := make(map[string]bool)
	for _, s := range r.sent {
		if !match(s.msg) || (distinct && seen[s.raw]) {
			continue
		}
		seen[s.raw] = true
		out = append(out, s)
	}
	return out
}

func isResponse(code int) func(message.Message) bool {
	return func(msg message.Message) bool {
		resp, ok := msg.(*message.Response)
		return ok && resp.StatusCode == code
	}
}

func (r *recorder) requests(method string) []sentMessage {
	return r.filter(func(msg message.Message) bool {
		req, ok := msg.(*message.Request)
		return ok && req.Method == method
	}, true)
}

func (r *recorder) responses(code int) []sentMessage {
	return r.filter(isResponse(code), true)
}

// sends считает все отправки ответа с кодом, включая повторы
func (r *recorder) sends(code int) int {
	return len(r.filter(isResponse(code), false))
}

// lastRequest возвращает последний отправленный запрос метода
func (r *recorder) lastRequest(t *testing.T, method string) *message.Request {
	t.Helper()
	sent := r.requests(method)
	require.NotEmpty(t, sent, "no %s sent", method)
	return sent[len(sent)-1].msg.(*message.Request)
}

// lastResponse возвращает последний отправленный ответ с кодом
func (r *recorder) lastResponse(t *testing.T, code int) *message.Response {
	t.Helper()
	sent := r.responses(code)
	require.NotEmpty(t, sent, "no %d sent", code)
	return sent[len(sent)-1].msg.(*message.Response)
}

func newTestEngine(t *testing.T) (*transaction.Engine, *recorder, chan transaction.Event) {
	t.Helper()

	rec := &recorder{}
	events := make(chan transaction.Event, 256)
	engine := transaction.NewEngine(rec,
		transaction.HandlerFunc(func(ev transaction.Event) { events <- ev }),
		transaction.WithTimers(testTimers()),
		transaction.WithLogger(zaptest.NewLogger(t)),
	)
	t.Cleanup(engine.Close)
	return engine, rec, events
}

func newMedia(t *testing.T) *media_sdp.Session {
	t.Helper()
	s, err := media_sdp.NewSession(media_sdp.DefaultConfig())
	require.NoError(t, err)
	return s
}

// nextEvent ждет асинхронное событие движка, пропуская EventTerminated
func nextEvent(t *testing.T, events <-chan transaction.Event, kind transaction.EventKind) transaction.Event {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind != kind {
				continue
			}
			return ev
		case <-deadline:
			t.Fatalf("event %s not delivered", kind)
			return transaction.Event{}
		}
	}
}

// answer строит ответ удаленной стороны на наш запрос
func answer(req *message.Request, code int, body []byte) *message.Response {
	resp := message.ResponseFor(req, code, "", bobTag)
	if code >= 180 && code < 300 && req.Method == "INVITE" {
		resp.SetHeader("Contact", "<"+bobTarget+">")
	}
	if body != nil {
		resp.SetBody("application/sdp", body)
	}
	return resp
}

// peerRequest строит запрос удаленной стороны внутри диалога d
func peerRequest(t *testing.T, d *Dialog, method string, cseq uint32) *message.Request {
	t.Helper()

	req, err := message.BuildRequest(method, "sip:alice@192.0.2.1:5060").
		Via("UDP", "192.0.2.4:5070", transaction.GenerateBranch()).
		From("sip:bob@example.com", bobTag).
		To("sip:alice@192.0.2.1", d.LocalTag()).
		CallID(d.CallID()).
		CSeq(cseq).
		Contact(bobTarget).
		Build()
	require.NoError(t, err)
	return req
}

// establish устанавливает исходящий диалог: INVITE, 200 OK, ACK
func establish(t *testing.T) (*Dialog, *recorder, chan transaction.Event) {
	t.Helper()

	engine, rec, events := newTestEngine(t)
	d, err := NewOutgoing(engine, testConfig(), newMedia(t), bobURI, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	_, err = d.Invite()
	require.NoError(t, err)

	invite := rec.lastRequest(t, "INVITE")
	body, err := newMedia(t).Answer(invite.Body(), false)
	require.NoError(t, err)

	update, err := d.HandleIncoming(answer(invite, 200, body))
	require.NoError(t, err)
	require.Equal(t, UpdateAnswered, update.Kind)
	require.Equal(t, DialogStateConfirmed, d.State())
	return d, rec, events
}
