// Package rtpserver is the UDP ingest side of the media path (§4.1). A
// single socket receives RTP-framed audio for every call the orchestrator
// has set up external media for; this package demultiplexes datagrams onto
// per-port stream buffers using the "first unbound stream wins" sticky
// binding rule and strips/normalizes the payload before handing it to the
// ring buffer.
package rtpserver

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/nethesis/satellite/internal/commons"
	"github.com/nethesis/satellite/internal/ringbuffer"
)

// Stream is a single direction's registered RTP endpoint: a source port the
// orchestrator advertised to the PBX, and the ring buffer its audio lands in
// once a remote peer binds to it.
type Stream struct {
	Port       int
	Reader     *ringbuffer.RingBuffer
	remoteAddr *net.UDPAddr
	active     bool
	mu         sync.Mutex
}

// RemoteAddr returns the bound peer address, or nil if no datagram has
// arrived for this stream yet.
func (s *Stream) RemoteAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

func (s *Stream) bind(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteAddr = addr
}

func (s *Stream) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Server is the single UDP socket owning every active Stream, keyed by port.
// All registry mutation (Create/End/Stop) happens from whatever goroutine the
// orchestrator calls them from; the only concurrent access is the read loop
// iterating the map, which is guarded by mu.
type Server struct {
	host       string
	port       int
	swap16     bool
	headerSize int
	logger     commons.Logger

	mu      sync.Mutex
	streams map[int]*Stream
	order   []int // declaration order, for the "first unbound stream wins" scan

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Server listening on host:port. headerSize is the fixed
// number of leading bytes stripped from every datagram (default 12, the
// length of a standard RTP header with no CSRC/extension). swap16 toggles
// big-endian-to-little-endian sample byte swapping on ingest.
func New(host string, port int, swap16 bool, headerSize int, logger commons.Logger) *Server {
	if headerSize <= 0 {
		headerSize = 12
	}
	return &Server{
		host:       host,
		port:       port,
		swap16:     swap16,
		headerSize: headerSize,
		logger:     logger,
		streams:    make(map[int]*Stream),
	}
}

// Start binds the UDP socket and launches the read loop goroutine.
func (s *Server) Start() error {
	addr := &net.UDPAddr{IP: net.ParseIP(s.host), Port: s.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("rtpserver: listen %s:%d: %w", s.host, s.port, err)
	}
	s.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.readLoop(ctx)

	s.logger.Infow("rtp server listening", "host", s.host, "port", s.port)
	return nil
}

// Stop closes the socket and ends every registered stream.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	ports := make([]int, 0, len(s.streams))
	for p := range s.streams {
		ports = append(ports, p)
	}
	s.mu.Unlock()

	for _, p := range ports {
		s.EndStream(p)
	}
}

// CreateStream registers (or returns the existing registration for) port.
// Idempotent: calling twice with the same port never replaces the first
// Stream's buffer, so in-flight readers keep a valid reference.
func (s *Server) CreateStream(port int) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[port]; ok {
		return existing
	}
	st := &Stream{
		Port:   port,
		Reader: ringbuffer.New(ringbuffer.DefaultMaxBytes),
		active: true,
	}
	s.streams[port] = st
	s.order = append(s.order, port)
	return st
}

// EndStream stops delivery to port's stream, clears its buffer, and removes
// the registration. A no-op (with a warning log) for an unknown port.
func (s *Server) EndStream(port int) {
	s.mu.Lock()
	st, ok := s.streams[port]
	if ok {
		delete(s.streams, port)
		for i, p := range s.order {
			if p == port {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warnw("end_stream on unknown port", "port", port)
		return
	}
	st.mu.Lock()
	st.active = false
	st.mu.Unlock()
	st.Reader.Clear()
}

func (s *Server) readLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warnw("rtp read error", "error", err)
				continue
			}
		}
		s.handleDatagram(buf[:n], addr)
	}
}

// handleDatagram implements the demultiplexing algorithm from §4.1:
// exact remote_addr match first, else the first unbound stream in iteration
// order binds sticky to this peer, else the datagram is dropped silently.
func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr) {
	target := s.resolveTarget(addr)
	if target == nil {
		return
	}
	if !target.isActive() {
		s.logger.Warnw("datagram for inactive stream", "port", target.Port)
		return
	}
	if len(data) <= s.headerSize {
		s.logger.Warnw("datagram too small to contain payload", "len", len(data), "header_size", s.headerSize)
		return
	}

	// Best-effort RTP header parse for debug visibility (sequence number /
	// marker bit); the payload boundary used below always follows the
	// spec's fixed header_size, never the parsed header length, since the
	// PBX's external-media framing is not guaranteed to carry CSRC/extension
	// fields the way a generic RTP parser expects.
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err == nil {
		s.logger.Debugw("rtp packet", "port", target.Port, "seq", pkt.SequenceNumber, "marker", pkt.Marker)
	}

	payload := data[s.headerSize:]
	if s.swap16 && len(payload)%2 == 0 {
		payload = swapBytePairs(payload)
	}
	target.Reader.Feed(payload)
}

func (s *Server) resolveTarget(addr *net.UDPAddr) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, port := range s.order {
		st := s.streams[port]
		if ra := st.remoteAddr; ra != nil && ra.String() == addr.String() {
			return st
		}
	}
	for _, port := range s.order {
		st := s.streams[port]
		if st.remoteAddr == nil {
			st.bind(addr)
			return st
		}
	}
	return nil
}

// swapBytePairs swaps each big-endian 16-bit sample to little-endian. It
// copies rather than mutating in place since the caller's buf is reused
// across reads.
func swapBytePairs(in []byte) []byte {
	out := make([]byte, len(in))
	for i := 0; i+1 < len(in); i += 2 {
		out[i] = in[i+1]
		out[i+1] = in[i]
	}
	return out
}
