package tftp

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/vinegar-boot/vinegar/internal/handler"
	"github.com/vinegar-boot/vinegar/internal/verr"
)

// sendError writes an ERROR packet (opcode, code, message) to addr on
// conn.
func sendError(conn net.PacketConn, addr net.Addr, code uint16, msg string) {
	pkt := make([]byte, 4+len(msg)+1)
	binary.BigEndian.PutUint16(pkt[0:2], opERROR)
	binary.BigEndian.PutUint16(pkt[2:4], code)
	copy(pkt[4:], msg)
	_, _ = conn.WriteTo(pkt, addr)
}

func encodeData(block uint16, data []byte) []byte {
	pkt := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(pkt[0:2], opDATA)
	binary.BigEndian.PutUint16(pkt[2:4], block)
	copy(pkt[4:], data)
	return pkt
}

func encodeOACK(opts map[string]string) []byte {
	pkt := make([]byte, 2)
	binary.BigEndian.PutUint16(pkt[0:2], opOACK)
	for name, value := range opts {
		pkt = append(pkt, name...)
		pkt = append(pkt, 0)
		pkt = append(pkt, value...)
		pkt = append(pkt, 0)
	}
	return pkt
}

// sentBlock is one outstanding, unacknowledged DATA block kept around for
// retransmission.
type sentBlock struct {
	seq  uint64 // monotonic, never wraps; block wire number is uint16(seq+1)
	data []byte
}

// runTransfer carries out steps 3-7 of spec.md §4.5 for one accepted RRQ:
// own an ephemeral socket, negotiate options, stream DATA/ACK, and report
// terminal errors.
func (s *Server) runTransfer(client net.Addr, filename, mode string, reqOpts map[string]string) {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		s.log.Printf("transfer %s %s: ephemeral socket: %v", client, filename, err)
		return
	}
	defer conn.Close()

	resp, rerr := s.dispatch(filename, client)
	if rerr != nil {
		sendError(conn, client, errorCodeFor(rerr), rerr.Error())
		return
	}
	defer resp.Body.Close()

	blksize := defaultBlksize
	timeout := defaultTimeout
	windowSize := 1
	accepted := make(map[string]string)

	if v, ok := reqOpts["blksize"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			blksize = clamp(n, minBlksize, maxBlksize)
			accepted["blksize"] = strconv.Itoa(blksize)
		}
	}
	if v, ok := reqOpts["timeout"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			secs := clamp(n, 1, 255)
			timeout = time.Duration(secs) * time.Second
			accepted["timeout"] = strconv.Itoa(secs)
		}
	}
	if _, ok := reqOpts["tsize"]; ok && resp.Size >= 0 {
		accepted["tsize"] = strconv.FormatInt(resp.Size, 10)
	}
	if v, ok := reqOpts["windowsize"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			windowSize = clamp(n, 1, maxWindowSize)
			accepted["windowsize"] = strconv.Itoa(windowSize)
		}
	}

	t := &transfer{
		server:     s,
		conn:       conn,
		client:     client,
		body:       resp.Body,
		blksize:    blksize,
		timeout:    timeout,
		windowSize: windowSize,
		maxRetries: s.cfg.MaxRetries,
	}

	if len(accepted) > 0 {
		if !t.negotiate(accepted) {
			return
		}
	}
	t.run()
}

func (s *Server) dispatch(filename string, client net.Addr) (handler.Response, error) {
	uri := filename
	if len(uri) == 0 || uri[0] != '/' {
		uri = "/" + uri
	}
	info := handler.RequestInfo{URI: uri, ClientAddress: addrOf(client)}
	for _, h := range s.cfg.Handlers {
		if !h.CanHandle(uri) {
			continue
		}
		return h.Handle(handler.Request{Info: info})
	}
	return handler.Response{}, verr.ErrNotFound
}

func addrOf(a net.Addr) netip.Addr {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(ua.IP)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

func errorCodeFor(err error) uint16 {
	switch {
	case errors.Is(err, verr.ErrNotFound):
		return errFileNotFound
	case errors.Is(err, verr.ErrAccessDenied):
		return errAccessViolation
	default:
		var protoErr *verr.ProtocolError
		if errors.As(err, &protoErr) {
			return errIllegalOp
		}
		return errUndefined
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// transfer runs the DATA/ACK loop (and optional RFC 7440 windowing) for
// one accepted RRQ over its own ephemeral socket.
type transfer struct {
	server     *Server
	conn       net.PacketConn
	client     net.Addr
	body       io.Reader
	blksize    int
	timeout    time.Duration
	windowSize int
	maxRetries int

	nextSeq uint64 // next block to read+send, monotonic
	eof     bool   // body exhausted; nextSeq-1 was the terminal block
}

// negotiate sends OACK and waits for the client's ACK 0, retransmitting
// on timeout. Returns false if negotiation did not complete (benign abort
// or exhausted retries), in which case the caller should not proceed to
// the data phase.
func (t *transfer) negotiate(accepted map[string]string) bool {
	pkt := encodeOACK(accepted)
	buf := make([]byte, 65536)
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if _, err := t.conn.WriteTo(pkt, t.client); err != nil {
			t.server.log.Printf("transfer %s: send OACK: %v", t.client, err)
			return false
		}
		t.conn.SetReadDeadline(time.Now().Add(t.timeout))
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return false
		}
		if !sameHost(addr, t.client) {
			sendError(t.conn, addr, errUnknownTID, "unknown transfer id")
			continue
		}
		switch opcode(buf[:n]) {
		case opACK:
			block := binary.BigEndian.Uint16(buf[2:4])
			if block == 0 {
				return true
			}
		case opERROR:
			t.logClientError(buf[:n])
			return false
		}
	}
	t.server.log.Printf("transfer %s: timed out waiting for ACK 0 after OACK", t.client)
	return false
}

// run executes the windowed DATA/ACK loop until the body is exhausted and
// its terminal block is acknowledged, or an unrecoverable error/timeout
// occurs.
func (t *transfer) run() {
	outstanding := roaring.New() // wire block numbers (mod 65536) currently unacked
	var window []sentBlock
	buf := make([]byte, 65536)
	retries := 0

	fill := func() error {
		for len(window) < t.windowSize && !t.eof {
			chunk := make([]byte, t.blksize)
			n, err := io.ReadFull(t.body, chunk)
			if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
				return err
			}
			chunk = chunk[:n]
			isLast := n < t.blksize
			seq := t.nextSeq
			t.nextSeq++
			window = append(window, sentBlock{seq: seq, data: chunk})
			outstanding.Add(uint32(uint16(seq + 1)))
			if _, err := t.conn.WriteTo(encodeData(uint16(seq+1), chunk), t.client); err != nil {
				return err
			}
			if isLast {
				t.eof = true
			}
		}
		return nil
	}

	if err := fill(); err != nil {
		t.server.log.Printf("transfer %s: %v", t.client, err)
		sendError(t.conn, t.client, errUndefined, "internal error")
		return
	}

	for {
		if len(window) == 0 {
			return // terminal block acknowledged; transfer complete
		}
		if t.server.ctx.Err() != nil {
			sendError(t.conn, t.client, errUndefined, "server shutting down")
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(t.timeout))
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				retries++
				if retries > t.maxRetries {
					t.server.log.Printf("transfer %s: timed out after %d retries", t.client, retries-1)
					return
				}
				if err := t.retransmit(window); err != nil {
					t.server.log.Printf("transfer %s: retransmit: %v", t.client, err)
					return
				}
				continue
			}
			t.server.log.Printf("transfer %s: read: %v", t.client, err)
			return
		}
		if !sameHost(addr, t.client) {
			sendError(t.conn, addr, errUnknownTID, "unknown transfer id")
			continue
		}
		retries = 0

		switch opcode(buf[:n]) {
		case opACK:
			if n < 4 {
				continue
			}
			acked := binary.BigEndian.Uint16(buf[2:4])
			window = ackThrough(window, outstanding, acked)
			if err := fill(); err != nil {
				t.server.log.Printf("transfer %s: %v", t.client, err)
				sendError(t.conn, t.client, errUndefined, "internal error")
				return
			}
		case opERROR:
			t.logClientError(buf[:n])
			return
		default:
			sendError(t.conn, t.client, errIllegalOp, "unexpected opcode during transfer")
			return
		}
	}
}

// ackThrough removes every block whose wire number precedes or equals
// acked, in send order, clearing the corresponding bits (spec.md §4.5
// step 6, RFC 7440 windowed ACK semantics). An ACK for a block not in the
// window leaves the window unchanged.
func ackThrough(window []sentBlock, outstanding *roaring.Bitmap, acked uint16) []sentBlock {
	for i := range window {
		if uint16(window[i].seq+1) != acked {
			continue
		}
		for _, b := range window[:i+1] {
			outstanding.Remove(uint32(uint16(b.seq + 1)))
		}
		return window[i+1:]
	}
	return window
}

// retransmit resends every block still outstanding in window, per RFC
// 7440's Go-Back-N requirement: a timeout with windowSize > 1 means the
// client may have lost any block in the window, not just the oldest one.
func (t *transfer) retransmit(window []sentBlock) error {
	for _, b := range window {
		if _, err := t.conn.WriteTo(encodeData(uint16(b.seq+1), b.data), t.client); err != nil {
			return err
		}
	}
	return nil
}

// logClientError decodes an ERROR packet from the client. Any 16-bit
// code is accepted; unknown codes are logged as such rather than
// crashing the logger (spec.md §4.5, a historical bug explicitly fixed
// here).
func (t *transfer) logClientError(pkt []byte) {
	if len(pkt) < 4 {
		t.server.log.Printf("transfer %s: malformed ERROR packet", t.client)
		return
	}
	code := binary.BigEndian.Uint16(pkt[2:4])
	msg := string(pkt[4:])
	if i := indexNul(pkt[4:]); i >= 0 {
		msg = string(pkt[4 : 4+i])
	}
	name := errCodeName(code)
	if name == "unknown" {
		t.server.log.Printf("transfer %s: unknown error code %d: %s", t.client, code, msg)
		return
	}
	t.server.log.Printf("transfer %s: client error %d (%s): %s", t.client, code, name, msg)
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sameHost(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if !ok1 || !ok2 {
		return a.String() == b.String()
	}
	return ua.IP.Equal(ub.IP) && ua.Port == ub.Port
}
