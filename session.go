package rtpaudio

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"rtp-audio-fec/crypto"
)

const batchSize = 16

// batchConn is satisfied by ipv4.PacketConn and lets the read loop pull
// several datagrams per syscall.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// AudioPacket is one in-sequence entry delivered by the session. Lost
// entries stand in for packets that could not be recovered; the decoder
// should run packet loss concealment in their place.
type AudioPacket struct {
	// Data is the full RTP packet (header plus payload, payload decrypted
	// when a cipher is configured). Nil for lost entries.
	Data []byte
	Lost bool
}

// Session owns a packet socket and the reassembly queue behind it. A single
// goroutine reads the socket and drives the queue, which keeps the queue
// single-owner as it requires; consumers take packets through ReadPacket.
type Session struct {
	conn    net.PacketConn
	ownConn bool
	xconn   batchConn

	queue *Queue
	crypt crypto.PayloadCrypt
	log   *logrus.Entry

	mu   sync.Mutex
	rcv  RingBuffer[AudioPacket]
	rd   time.Time
	dead bool

	die                 chan struct{}
	dieOnce             sync.Once
	chReadEvent         chan struct{}
	socketReadError     atomic.Value
	chSocketReadError   chan struct{}
	socketReadErrorOnce sync.Once
}

// Listen opens a UDP socket on laddr and starts receiving the audio stream
// on it. crypt may be nil when payloads are not encrypted.
func Listen(laddr string, config Config, crypt crypto.PayloadCrypt) (*Session, error) {
	conn, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sess, err := NewSession(conn, config, crypt)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sess.ownConn = true
	return sess, nil
}

// NewSession wraps an existing packet connection. The connection is not
// closed by Close unless the session was built by Listen.
func NewSession(conn net.PacketConn, config Config, crypt crypto.PayloadCrypt) (*Session, error) {
	queue, err := NewQueue(config)
	if err != nil {
		return nil, err
	}

	s := &Session{
		conn:              conn,
		queue:             queue,
		crypt:             crypt,
		log:               queue.log,
		die:               make(chan struct{}),
		chReadEvent:       make(chan struct{}, 1),
		chSocketReadError: make(chan struct{}),
	}

	// UDP sockets can take the batched read path.
	if _, ok := conn.(*net.UDPConn); ok {
		s.xconn = ipv4.NewPacketConn(conn)
	}

	go s.readLoop()
	return s, nil
}

func (s *Session) readLoop() {
	if s.xconn != nil {
		s.batchReadLoop()
	} else {
		s.defaultReadLoop()
	}
}

func (s *Session) defaultReadLoop() {
	buf := xmitBuf.Get().([]byte)[:mtuLimit]
	defer xmitBuf.Put(buf)

	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.notifyReadError(errors.WithStack(err))
			return
		}
		s.packetInput(buf[:n])
	}
}

func (s *Session) batchReadLoop() {
	msgs := make([]ipv4.Message, batchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{xmitBuf.Get().([]byte)[:mtuLimit]}
	}

	for {
		count, err := s.xconn.ReadBatch(msgs, 0)
		if err != nil {
			// Not every platform supports batch reads on this socket.
			s.log.WithError(err).Debug("batch read failed, falling back to single reads")
			s.defaultReadLoop()
			return
		}
		for i := 0; i < count; i++ {
			s.packetInput(msgs[i].Buffers[0][:msgs[i].N])
		}
	}
}

// packetInput pushes one received datagram through the queue and moves any
// resulting emissions into the delivery buffer.
func (s *Session) packetInput(data []byte) {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}

	delivered := false
	switch s.queue.AddPacket(data) {
	case PacketHandleNow:
		// The queue did not keep this packet; consume our own copy.
		pkt := make([]byte, len(data))
		copy(pkt, data)
		delivered = s.deliver(pkt)

	case PacketReady:
		for {
			pkt, n, ok := s.queue.ReadQueuedPacket(0)
			if !ok {
				break
			}
			if n == 0 {
				s.rcv.Push(AudioPacket{Lost: true})
				delivered = true
				continue
			}
			delivered = s.deliver(pkt) || delivered
		}
	}

	s.mu.Unlock()

	if delivered {
		s.notifyReadEvent()
	}
}

// deliver decrypts the payload when a cipher is configured and queues the
// packet for the consumer. Called with mu held.
func (s *Session) deliver(pkt []byte) bool {
	if s.crypt != nil {
		plaintext, err := s.crypt.Decrypt(pkt[rtpHeaderSize:])
		if err != nil {
			s.log.WithError(err).Warn("audio payload decryption failed")
			atomic.AddUint64(&DefaultSnmp.CryptoErrors, 1)
			return false
		}
		pkt = append(pkt[:rtpHeaderSize], plaintext...)
	}
	s.rcv.Push(AudioPacket{Data: pkt})
	return true
}

// ReadPacket blocks until the next in-sequence packet (or lost-packet entry)
// is available, the read deadline expires, or the session dies.
func (s *Session) ReadPacket() (AudioPacket, error) {
	for {
		s.mu.Lock()
		if pkt, ok := s.rcv.Pop(); ok {
			s.mu.Unlock()
			return pkt, nil
		}

		var timeout *time.Timer
		var deadline <-chan time.Time
		if !s.rd.IsZero() {
			if time.Now().After(s.rd) {
				s.mu.Unlock()
				return AudioPacket{}, errors.WithStack(errTimeout)
			}
			timeout = time.NewTimer(time.Until(s.rd))
			deadline = timeout.C
		}
		s.mu.Unlock()

		select {
		case <-s.chReadEvent:
		case <-deadline:
			return AudioPacket{}, errors.WithStack(errTimeout)
		case <-s.chSocketReadError:
			if timeout != nil {
				timeout.Stop()
			}
			return AudioPacket{}, s.socketReadError.Load().(error)
		case <-s.die:
			if timeout != nil {
				timeout.Stop()
			}
			return AudioPacket{}, errors.WithStack(errSessionClosed)
		}
		if timeout != nil {
			timeout.Stop()
		}
	}
}

// SetReadDeadline bounds future ReadPacket calls. A zero value waits
// forever.
func (s *Session) SetReadDeadline(t time.Time) {
	s.mu.Lock()
	s.rd = t
	s.mu.Unlock()
	s.notifyReadEvent()
}

// Stats returns the process-wide counter set.
func (s *Session) Stats() *Snmp {
	return DefaultSnmp
}

// Close tears the session down. The socket is closed only when the session
// opened it.
func (s *Session) Close() error {
	var once bool
	s.dieOnce.Do(func() {
		close(s.die)
		once = true
	})
	if !once {
		return errors.WithStack(errSessionClosed)
	}

	if s.ownConn {
		s.conn.Close()
	}
	s.mu.Lock()
	s.dead = true
	s.queue.Close()
	s.mu.Unlock()
	return nil
}

func (s *Session) notifyReadEvent() {
	select {
	case s.chReadEvent <- struct{}{}:
	default:
	}
}

func (s *Session) notifyReadError(err error) {
	s.socketReadErrorOnce.Do(func() {
		s.socketReadError.Store(err)
		close(s.chSocketReadError)
	})
}
