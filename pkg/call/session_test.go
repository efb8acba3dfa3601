package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callsession/pkg/sip/dialog"
	"github.com/arzzra/callsession/pkg/sip/message"
)

func TestSession_HoldSendsOneReInvite(t *testing.T) {
	s, rec, w := connected(t)

	require.NoError(t, s.Hold(context.Background()))
	assert.Equal(t, StateOnHold, s.State())

	tr := w.next(t)
	assert.Equal(t, StateConnected, tr.prev)
	assert.Equal(t, StateOnHold, tr.next)
	assert.Equal(t, CauseUserIntent, tr.cause.Kind)

	invites := rec.requests("INVITE")
	require.Len(t, invites, 2)
	reinvite := invites[1]
	assert.True(t, newMedia(t).IsHold(reinvite.Body()))

	body, err := newMedia(t).Answer(reinvite.Body(), false)
	require.NoError(t, err)
	require.NoError(t, s.HandleMessage(answer(reinvite, 200, body)))

	assert.Equal(t, StateOnHold, s.State())
	assert.Len(t, rec.requests("ACK"), 2)
	w.none(t)
}

func TestSession_HangupFromHoldCarriesReason(t *testing.T) {
	s, rec, w := connected(t)

	require.NoError(t, s.Hold(context.Background()))
	w.next(t)
	reinvite := rec.lastRequest(t, "INVITE")
	require.NoError(t, s.HandleMessage(answer(reinvite, 200, nil)))

	require.NoError(t, s.Hangup(context.Background(), 487, "Request Terminated"))
	assert.Equal(t, StateTerminated, s.State())

	tr := w.next(t)
	assert.Equal(t, StateOnHold, tr.prev)
	assert.Equal(t, StateTerminated, tr.next)
	assert.Equal(t, CauseUserIntent, tr.cause.Kind)

	bye := rec.lastRequest(t, "BYE")
	code, text, ok := message.ParseReason(bye.GetHeader("Reason"))
	require.True(t, ok)
	assert.Equal(t, 487, code)
	assert.Equal(t, "Request Terminated", text)

	require.NoError(t, s.HandleMessage(answer(bye, 200, nil)))
	waitDone(t, s)
}

func TestSession_HoldTimeoutTerminates(t *testing.T) {
	s, rec, w := connected(t)

	require.NoError(t, s.Hold(context.Background()))
	w.next(t)

	tr := w.next(t)
	assert.Equal(t, StateOnHold, tr.prev)
	assert.Equal(t, StateTerminated, tr.next)
	assert.Equal(t, CauseSignalingTimeout, tr.cause.Kind)
	assert.ErrorIs(t, tr.cause.Err, dialog.ErrSignalingTimeout)
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, CauseSignalingTimeout, s.LastCause().Kind)

	bye := rec.lastRequest(t, "BYE")
	code, _, ok := message.ParseReason(bye.GetHeader("Reason"))
	require.True(t, ok)
	assert.Equal(t, 408, code)
}

func TestSession_HoldTimeoutAfterTrying(t *testing.T) {
	s, rec, w := connected(t)

	require.NoError(t, s.Hold(context.Background()))
	w.next(t)

	reinvite := rec.lastRequest(t, "INVITE")
	require.NoError(t, s.HandleMessage(answer(reinvite, 100, nil)))

	// 100 Trying не продлевает ожидание финального ответа
	tr := w.next(t)
	assert.Equal(t, StateOnHold, tr.prev)
	assert.Equal(t, StateTerminated, tr.next)
	assert.Equal(t, CauseSignalingTimeout, tr.cause.Kind)
	assert.ErrorIs(t, tr.cause.Err, dialog.ErrSignalingTimeout)

	assert.ErrorIs(t, s.Resume(context.Background()), ErrInvalidTransition)
	waitDone(t, s)
}

func TestSession_RemoteBye(t *testing.T) {
	s, rec, w := connected(t)

	bye := peerRequest(t, s, "BYE", 1)
	bye.SetHeader("Reason", message.FormatReason(200, "Call completed elsewhere"))
	require.NoError(t, s.HandleMessage(bye))

	tr := w.next(t)
	assert.Equal(t, StateConnected, tr.prev)
	assert.Equal(t, StateTerminated, tr.next)
	assert.Equal(t, CauseRemoteTermination, tr.cause.Kind)
	assert.Equal(t, 200, tr.cause.StatusCode)
	assert.Equal(t, "Call completed elsewhere", tr.cause.Reason)
	assert.Len(t, rec.responses(200), 1)
}

func TestSession_DoubleHoldIsBusy(t *testing.T) {
	s, rec, w := connected(t)

	require.NoError(t, s.Hold(context.Background()))
	w.next(t)

	err := s.Hold(context.Background())
	assert.ErrorIs(t, err, ErrSessionBusy)
	err = s.Resume(context.Background())
	assert.ErrorIs(t, err, ErrSessionBusy)

	assert.Len(t, rec.requests("INVITE"), 2)
	assert.Equal(t, StateOnHold, s.State())
	w.none(t)
}

func TestSession_TerminatedIsAbsorbing(t *testing.T) {
	s, rec, w := connected(t)

	require.NoError(t, s.HandleMessage(peerRequest(t, s, "BYE", 1)))
	w.next(t)
	sent := rec.count()

	ctx := context.Background()
	intents := map[string]func() error{
		"dial":   func() error { return s.Dial(ctx) },
		"answer": func() error { return s.Answer(ctx) },
		"hold":   func() error { return s.Hold(ctx) },
		"resume": func() error { return s.Resume(ctx) },
		"toggle": func() error { return s.ToggleHold(ctx) },
		"hangup": func() error { return s.Hangup(ctx, 200, "") },
	}
	for name, intent := range intents {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, intent(), ErrInvalidTransition)
			assert.Equal(t, StateTerminated, s.State())
		})
	}

	assert.Equal(t, sent, rec.count())
	w.none(t)
}

func TestSession_HoldRejectedReverts(t *testing.T) {
	s, rec, w := connected(t)

	require.NoError(t, s.Hold(context.Background()))
	w.next(t)

	reinvite := rec.lastRequest(t, "INVITE")
	require.NoError(t, s.HandleMessage(answer(reinvite, 488, nil)))

	tr := w.next(t)
	assert.Equal(t, StateOnHold, tr.prev)
	assert.Equal(t, StateConnected, tr.next)
	assert.Equal(t, CauseHoldRejected, tr.cause.Kind)
	assert.Equal(t, 488, tr.cause.StatusCode)
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_ResumeRejectedReverts(t *testing.T) {
	s, rec, w := connected(t)
	ctx := context.Background()

	require.NoError(t, s.ToggleHold(ctx))
	w.next(t)
	require.NoError(t, s.HandleMessage(answer(rec.lastRequest(t, "INVITE"), 200, nil)))

	require.NoError(t, s.ToggleHold(ctx))
	tr := w.next(t)
	assert.Equal(t, StateConnected, tr.next)
	assert.Equal(t, CauseUserIntent, tr.cause.Kind)

	reinvite := rec.lastRequest(t, "INVITE")
	assert.False(t, newMedia(t).IsHold(reinvite.Body()))
	require.NoError(t, s.HandleMessage(answer(reinvite, 500, nil)))

	tr = w.next(t)
	assert.Equal(t, StateConnected, tr.prev)
	assert.Equal(t, StateOnHold, tr.next)
	assert.Equal(t, CauseResumeRejected, tr.cause.Kind)
}

func TestSession_TransportFailureTerminates(t *testing.T) {
	s, rec, w := connected(t)

	rec.setFail(true)
	require.NoError(t, s.Hold(context.Background()))
	w.next(t)

	tr := w.next(t)
	assert.Equal(t, StateTerminated, tr.next)
	assert.Equal(t, CauseTransportFailure, tr.cause.Kind)
	assert.ErrorIs(t, tr.cause.Err, dialog.ErrTransportFailure)
}

func TestSession_RemoteRejected(t *testing.T) {
	s, rec, w := dialing(t)

	invite := rec.lastRequest(t, "INVITE")
	require.NoError(t, s.HandleMessage(answer(invite, 486, nil)))

	tr := w.next(t)
	assert.Equal(t, StateRinging, tr.prev)
	assert.Equal(t, StateTerminated, tr.next)
	assert.Equal(t, CauseRemoteRejected, tr.cause.Kind)
	assert.Equal(t, 486, tr.cause.StatusCode)
	assert.Len(t, rec.requests("ACK"), 1)
}

func TestSession_RingingKeepsState(t *testing.T) {
	s, rec, w := dialing(t)

	require.NoError(t, s.HandleMessage(answer(rec.lastRequest(t, "INVITE"), 180, nil)))
	assert.Equal(t, StateRinging, s.State())
	w.none(t)
}

func TestSession_HangupWhileDialing(t *testing.T) {
	s, rec, w := dialing(t)

	require.NoError(t, s.Hangup(context.Background(), 487, "Request Terminated"))
	tr := w.next(t)
	assert.Equal(t, StateRinging, tr.prev)
	assert.Equal(t, StateTerminated, tr.next)
	assert.Empty(t, rec.requests("CANCEL"))

	invite := rec.lastRequest(t, "INVITE")
	require.NoError(t, s.HandleMessage(answer(invite, 180, nil)))

	cancel := rec.lastRequest(t, "CANCEL")
	code, _, ok := message.ParseReason(cancel.GetHeader("Reason"))
	require.True(t, ok)
	assert.Equal(t, 487, code)
	w.none(t)
}

func TestSession_AnswerOutgoingIsInvalid(t *testing.T) {
	s, _, _ := dialing(t)

	assert.ErrorIs(t, s.Answer(context.Background()), ErrInvalidTransition)
	assert.Equal(t, StateRinging, s.State())
}

func TestSession_IdleTransitions(t *testing.T) {
	w := newWatcher()
	s, err := NewOutgoing(&recorder{}, testConfig(), newMedia(t), bobURI, testOptions(t, w)...)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	assert.Equal(t, StateIdle, s.State())
	assert.ErrorIs(t, s.Hold(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, s.Hangup(ctx, 200, ""), ErrInvalidTransition)
	assert.Equal(t, StateIdle, s.State())
	w.none(t)
}

func TestSession_IncomingAnswer(t *testing.T) {
	rec := &recorder{}
	w := newWatcher()
	s, err := NewIncoming(rec, testConfig(), newMedia(t), incomingInvite(t), testOptions(t, w)...)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.Incoming())
	assert.Equal(t, StateRinging, s.State())
	assert.Equal(t, "incoming-call@192.0.2.4", s.CallID())
	assert.Len(t, rec.responses(180), 1)

	require.NoError(t, s.Answer(context.Background()))
	tr := w.next(t)
	assert.Equal(t, StateRinging, tr.prev)
	assert.Equal(t, StateConnected, tr.next)

	ok := rec.responses(200)
	require.Len(t, ok, 1)
	assert.NotEmpty(t, ok[0].Body())
}

func TestSession_IncomingReject(t *testing.T) {
	rec := &recorder{}
	w := newWatcher()
	s, err := NewIncoming(rec, testConfig(), newMedia(t), incomingInvite(t), testOptions(t, w)...)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Hangup(context.Background(), 486, "Busy Here"))
	tr := w.next(t)
	assert.Equal(t, StateTerminated, tr.next)
	assert.Equal(t, CauseUserIntent, tr.cause.Kind)
	assert.Len(t, rec.responses(486), 1)
}

func TestSession_RemoteReInviteHold(t *testing.T) {
	s, rec, w := connected(t)

	offer, err := newMedia(t).Offer(true)
	require.NoError(t, err)
	reinvite := peerRequest(t, s, "INVITE", 7)
	reinvite.SetBody("application/sdp", offer)

	require.NoError(t, s.HandleMessage(reinvite))
	assert.True(t, s.RemoteHold())
	assert.Equal(t, StateConnected, s.State())
	assert.Len(t, rec.responses(200), 1)
	w.none(t)
}

func TestSession_MalformedInputIgnored(t *testing.T) {
	s, rec, w := connected(t)
	sent := rec.count()

	err := s.Receive([]byte("NOT SIP AT ALL\r\n\r\n"), "192.0.2.4:5070")
	assert.ErrorIs(t, err, message.ErrMalformedMessage)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, sent, rec.count())
	w.none(t)
}

func TestSession_IntentTimeout(t *testing.T) {
	s, rec, _ := connected(t)
	sent := rec.count()

	s.lock()
	start := time.Now()
	err := s.Hold(context.Background())
	s.release()

	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, sent, rec.count())
}

func TestSession_IntentContextCanceled(t *testing.T) {
	s, _, _ := connected(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.lock()
	err := s.Hangup(ctx, 200, "")
	s.release()

	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_CloseTerminates(t *testing.T) {
	s, _, w := connected(t)

	s.Close()
	tr := w.next(t)
	assert.Equal(t, StateTerminated, tr.next)
	waitDone(t, s)
}
