package transport

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type datagram struct {
	data   []byte
	source string
}

func listen(t *testing.T) (*UDPTransport, chan datagram) {
	t.Helper()

	received := make(chan datagram, 16)
	tr, err := NewUDPTransport("127.0.0.1:0", DefaultConfig(), func(data []byte, source string) {
		received <- datagram{data: data, source: source}
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- tr.Serve() }()
	t.Cleanup(func() {
		require.NoError(t, tr.Close())
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("Serve did not return after Close")
		}
	})
	return tr, received
}

func TestUDPTransport_SendReceive(t *testing.T) {
	alice, _ := listen(t)
	bob, received := listen(t)

	msg := []byte("OPTIONS sip:bob@127.0.0.1 SIP/2.0\r\n\r\n")
	require.NoError(t, alice.Send(bob.LocalAddr().String(), msg))

	select {
	case d := <-received:
		assert.Equal(t, msg, d.data)
		assert.Equal(t, alice.LocalAddr().String(), d.source)
	case <-time.After(time.Second):
		t.Fatal("message not received")
	}

	assert.Equal(t, uint64(1), alice.Stats().MessagesSent)
	assert.Equal(t, uint64(len(msg)), alice.Stats().BytesSent)
	require.Eventually(t, func() bool { return bob.Stats().MessagesReceived == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "UDP", alice.Protocol())
}

func TestUDPTransport_SendErrors(t *testing.T) {
	tr, _ := listen(t)

	err := tr.Send("not an address", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	big := []byte(strings.Repeat("a", DefaultConfig().MaxMessageSize+1))
	err = tr.Send("127.0.0.1:5060", big)
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "send", terr.Operation)
	assert.False(t, terr.Timeout())
}

func TestUDPTransport_SendAfterClose(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0", DefaultConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send("127.0.0.1:5060", []byte("x")), ErrTransportClosed)
}

func TestUDPTransport_ListenError(t *testing.T) {
	_, err := NewUDPTransport("256.0.0.1:0", DefaultConfig(), nil)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "listen", terr.Operation)
}
