package rtpaudio

import (
	stderrors "errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtp-audio-fec/crypto"
)

// mockPacketConn feeds scripted datagrams to the session's read loop.
type mockPacketConn struct {
	ch        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockPacketConn() *mockPacketConn {
	return &mockPacketConn{
		ch:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (m *mockPacketConn) send(pkt []byte) {
	m.ch <- append([]byte(nil), pkt...)
}

func (m *mockPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-m.ch:
		n := copy(p, pkt)
		return n, m.LocalAddr(), nil
	case <-m.closed:
		return 0, nil, net.ErrClosed
	}
}

func (m *mockPacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	return len(p), nil
}

func (m *mockPacketConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockPacketConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5004}
}

func (m *mockPacketConn) SetDeadline(time.Time) error      { return nil }
func (m *mockPacketConn) SetReadDeadline(time.Time) error  { return nil }
func (m *mockPacketConn) SetWriteDeadline(time.Time) error { return nil }

func newTestSession(t *testing.T, crypt crypto.PayloadCrypt) (*Session, *mockPacketConn) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Logger = testLogger()

	conn := newMockPacketConn()
	sess, err := NewSession(conn, cfg, crypt)
	require.NoError(t, err)
	t.Cleanup(func() {
		sess.Close()
		conn.Close()
	})
	return sess, conn
}

func TestSessionDeliversInOrder(t *testing.T) {
	sess, conn := newTestSession(t, nil)

	conn.send(audioPacket(101, 505, testPayload(101))) // establishes the boundary
	for i, seq := range []uint16{104, 105, 106, 107} {
		conn.send(audioPacket(seq, 520+uint32(i)*5, testPayload(seq)))
	}

	sess.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i, seq := range []uint16{104, 105, 106, 107} {
		pkt, err := sess.ReadPacket()
		require.NoError(t, err)
		require.False(t, pkt.Lost)
		assert.Equal(t, audioPacket(seq, 520+uint32(i)*5, testPayload(seq)), pkt.Data)
	}
}

func TestSessionDeliversRecoveredAndLostEntries(t *testing.T) {
	sess, conn := newTestSession(t, nil)

	const baseTs = 1000
	payloads := [][]byte{testPayload(200), testPayload(201), testPayload(202), testPayload(203)}
	parity := makeParity(t, payloads)

	conn.send(audioPacket(196, 1, testPayload(196))) // establishes the boundary
	conn.send(audioPacket(200, baseTs, payloads[0]))
	conn.send(audioPacket(201, baseTs+5, payloads[1]))
	conn.send(audioPacket(203, baseTs+15, payloads[3]))
	conn.send(fecPacket(0, 200, baseTs, parity[0]))

	// The partially received block 300 is condemned by traffic from the
	// block after it.
	conn.send(audioPacket(301, 3000, testPayload(301)))
	conn.send(audioPacket(304, 3020, testPayload(304)))

	sess.SetReadDeadline(time.Now().Add(2 * time.Second))

	var seqs []uint16
	var lost int
	for len(seqs)+lost < 8 {
		pkt, err := sess.ReadPacket()
		require.NoError(t, err)
		if pkt.Lost {
			lost++
			continue
		}
		seqs = append(seqs, rtpPacket(pkt.Data).sequenceNumber())
	}
	assert.Equal(t, []uint16{200, 201, 202, 203, 301}, seqs)
	assert.Equal(t, 3, lost, "placeholders for 300, 302 and 303")
}

func TestSessionDecryptsPayloads(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")

	crypt, err := crypto.NewAESCBC(key, iv)
	require.NoError(t, err)

	sess, conn := newTestSession(t, crypt)

	plaintext := testPayload(104)
	ciphertext, err := crypt.Encrypt(plaintext)
	require.NoError(t, err)

	conn.send(audioPacket(101, 505, testPayload(101)))
	conn.send(audioPacket(104, 520, ciphertext))

	sess.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := sess.ReadPacket()
	require.NoError(t, err)
	require.False(t, pkt.Lost)
	assert.Equal(t, uint16(104), rtpPacket(pkt.Data).sequenceNumber())
	assert.Equal(t, plaintext, pkt.Data[rtpHeaderSize:])
}

func TestSessionReadDeadline(t *testing.T) {
	sess, _ := newTestSession(t, nil)

	sess.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	_, err := sess.ReadPacket()
	assert.True(t, stderrors.Is(err, errTimeout))
}

func TestSessionClose(t *testing.T) {
	sess, _ := newTestSession(t, nil)

	require.NoError(t, sess.Close())
	assert.Error(t, sess.Close())

	_, err := sess.ReadPacket()
	assert.True(t, stderrors.Is(err, errSessionClosed))
}

func TestSessionSurfacesSocketErrors(t *testing.T) {
	sess, conn := newTestSession(t, nil)

	conn.Close()
	sess.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := sess.ReadPacket()
	assert.True(t, stderrors.Is(err, net.ErrClosed))
}
