package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arzzra/callsession/pkg/media_sdp"
	"github.com/arzzra/callsession/pkg/sip/dialog"
	"github.com/arzzra/callsession/pkg/sip/message"
	"github.com/arzzra/callsession/pkg/sip/transaction"
)

const (
	bobURI    = "sip:bob@192.0.2.4:5070"
	bobTarget = "sip:bob@192.0.2.4:5080"
	bobTag    = "bob-tag"
)

func testConfig() dialog.Config {
	return dialog.Config{
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

// recorder фейковый транспорт; повторы таймеров не учитываются
type recorder struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (r *recorder) Send(_ string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail {
		return errors.New("network unreachable")
	}
	r.sent = append(r.sent, append([]byte(nil), data...))
	return nil
}

func (r *recorder) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *recorder) distinct() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []message.Message
	seen := make(map[string]bool)
	for _, raw := range r.sent {
		if seen[string(raw)] {
			continue
		}
		seen[string(raw)] = true
		msg, err := message.Parse(raw)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (r *recorder) requests(method string) []*message.Request {
	var out []*message.Request
	for _, msg := range r.distinct() {
		if req, ok := msg.(*message.Request); ok && req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (r *recorder) responses(code int) []*message.Response {
	var out []*message.Response
	for _, msg := range r.distinct() {
		if resp, ok := msg.(*message.Response); ok && resp.StatusCode == code {
			out = append(out, resp)
		}
	}
	return out
}

func (r *recorder) count() int {
	return len(r.distinct())
}

func (r *recorder) lastRequest(t *testing.T, method string) *message.Request {
	t.Helper()
	reqs := r.requests(method)
	require.NotEmpty(t, reqs, "no %s sent", method)
	return reqs[len(reqs)-1]
}

// transition запись уведомления наблюдателя
type transition struct {
	prev, next State
	cause      Cause
}

// watcher наблюдатель, складывающий переходы в канал
type watcher struct {
	ch chan transition
}

func newWatcher() *watcher {
	return &watcher{ch: make(chan transition, 32)}
}

func (w *watcher) OnStateChanged(prev, next State, cause Cause) {
	w.ch <- transition{prev: prev, next: next, cause: cause}
}

// next ждет очередной переход
func (w *watcher) next(t *testing.T) transition {
	t.Helper()
	select {
	case tr := <-w.ch:
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("no state transition")
		return transition{}
	}
}

// none проверяет, что переходов не было
func (w *watcher) none(t *testing.T) {
	t.Helper()
	select {
	case tr := <-w.ch:
		t.Fatalf("unexpected transition %s -> %s (%s)", tr.prev, tr.next, tr.cause.Kind)
	default:
	}
}

func newMedia(t *testing.T) *media_sdp.Session {
	t.Helper()
	m, err := media_sdp.NewSession(media_sdp.DefaultConfig())
	require.NoError(t, err)
	return m
}

func testOptions(t *testing.T, w *watcher, extra ...Option) []Option {
	opts := []Option{
		WithObserver(w),
		WithLogger(zaptest.NewLogger(t)),
		WithTimers(testTimers()),
		WithIntentTimeout(200 * time.Millisecond),
	}
	return append(opts, extra...)
}

// answer строит ответ Боба на запрос Алисы
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

// dialing создает исходящую сессию и отправляет INVITE
func dialing(t *testing.T, extra ...Option) (*Session, *recorder, *watcher) {
	t.Helper()

	rec := &recorder{}
	w := newWatcher()
	s, err := NewOutgoing(rec, testConfig(), newMedia(t), bobURI, testOptions(t, w, extra...)...)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Dial(context.Background()))
	tr := w.next(t)
	require.Equal(t, StateRinging, tr.next)
	return s, rec, w
}

// connected устанавливает исходящий звонок: INVITE, 200 OK, ACK
func connected(t *testing.T, extra ...Option) (*Session, *recorder, *watcher) {
	t.Helper()

	s, rec, w := dialing(t, extra...)
	invite := rec.lastRequest(t, "INVITE")
	body, err := newMedia(t).Answer(invite.Body(), false)
	require.NoError(t, err)

	require.NoError(t, s.HandleMessage(answer(invite, 200, body)))
	tr := w.next(t)
	require.Equal(t, StateConnected, tr.next)
	require.Equal(t, CauseRemoteAnswer, tr.cause.Kind)
	require.Len(t, rec.requests("ACK"), 1)
	return s, rec, w
}

// peerRequest строит запрос Боба внутри звонка s
func peerRequest(t *testing.T, s *Session, method string, cseq uint32) *message.Request {
	t.Helper()

	req, err := message.BuildRequest(method, "sip:alice@192.0.2.1:5060").
		Via("UDP", "192.0.2.4:5070", transaction.GenerateBranch()).
		From("sip:bob@example.com", bobTag).
		To("sip:alice@192.0.2.1", s.dialog.LocalTag()).
		CallID(s.CallID()).
		CSeq(cseq).
		Contact(bobTarget).
		Build()
	require.NoError(t, err)
	return req
}

// incomingInvite строит INVITE Боба к Алисе
func incomingInvite(t *testing.T) *message.Request {
	t.Helper()

	offer, err := newMedia(t).Offer(false)
	require.NoError(t, err)

	req, err := message.BuildRequest("INVITE", "sip:alice@192.0.2.1:5060").
		Via("UDP", "192.0.2.4:5070", transaction.GenerateBranch()).
		From("sip:bob@example.com", bobTag).
		To("sip:alice@192.0.2.1", "").
		CallID("incoming-call@192.0.2.4").
		CSeq(1).
		Contact(bobTarget).
		Body("application/sdp", offer).
		Build()
	require.NoError(t, err)
	return req
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not finished")
	}
}
