// Package tftp implements the TFTP server (spec.md §4.5): RFC
// 1350/2347/2348/2349 with RFC 7440 windowsize, dispatching RRQ filenames
// through the same handler.Handler pipeline the HTTP server uses.
package tftp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vinegar-boot/vinegar/internal/handler"
)

const (
	opRRQ   = 1
	opWRQ   = 2
	opDATA  = 3
	opACK   = 4
	opERROR = 5
	opOACK  = 6
)

// Error codes per RFC 1350/2347.
const (
	errUndefined       = 0
	errFileNotFound    = 1
	errAccessViolation = 2
	errDiskFull        = 3
	errIllegalOp       = 4
	errUnknownTID      = 5
	errFileExists      = 6
	errNoSuchUser      = 7
)

var errCodeNames = map[uint16]string{
	errUndefined:       "not defined",
	errFileNotFound:    "file not found",
	errAccessViolation: "access violation",
	errDiskFull:        "disk full",
	errIllegalOp:       "illegal tftp operation",
	errUnknownTID:      "unknown transfer id",
	errFileExists:      "file already exists",
	errNoSuchUser:      "no such user",
}

func errCodeName(code uint16) string {
	if name, ok := errCodeNames[code]; ok {
		return name
	}
	return "unknown"
}

const (
	defaultBlksize = 512
	minBlksize     = 8
	maxBlksize     = 65464
	defaultTimeout = 5 * time.Second
	minTimeout     = 1 * time.Second
	maxTimeout     = 255 * time.Second
	defaultRetries = 5
	maxWindowSize  = 64
)

// Config configures the TFTP server (spec.md §6 `tftp` section).
type Config struct {
	BindAddress string // default "::"
	BindPort    int    // default 69
	Handlers    []handler.Handler
	MaxRetries  int
	Logger      *log.Logger
}

// Server owns the main RRQ/WRQ listening socket and spawns a per-transfer
// worker, each with its own ephemeral UDP socket, for every accepted RRQ.
type Server struct {
	cfg  Config
	conn net.PacketConn
	log  *log.Logger
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New binds the configured bind_address:bind_port.
func New(cfg Config) (*Server, error) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "::"
	}
	if cfg.BindPort == 0 {
		cfg.BindPort = 69
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "tftp: ", log.LstdFlags)
	}

	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.BindPort))
	lc := net.ListenConfig{Control: reusePortControl}
	conn, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, conn: conn, log: cfg.Logger, ctx: ctx, cancel: cancel}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Serve reads RRQ/WRQ packets off the main socket until Shutdown is
// called, spawning one goroutine per accepted transfer (spec.md §5
// "one task per in-flight transfer").
func (s *Server) Serve() error {
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		pkt := append([]byte(nil), buf[:n]...)
		s.handleInitial(pkt, addr)
	}
}

// Shutdown stops accepting new transfers and cancels in-flight ones: a
// transfer in its DATA/ACK phase aborts its client with ERROR code 0 at
// its next received packet or timeout (spec.md §5 "Cancellation"). A
// transfer still waiting for ACK 0 after its OACK is not interrupted; it
// ends when that wait runs out. Shutdown returns once every transfer has
// ended.
func (s *Server) Shutdown() error {
	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleInitial(pkt []byte, addr net.Addr) {
	if len(pkt) < 4 {
		return
	}
	op := opcode(pkt)
	switch op {
	case opWRQ:
		sendError(s.conn, addr, errAccessViolation, "writes are not supported")
	case opRRQ:
		filename, mode, opts, err := parseRQ(pkt[2:])
		if err != nil {
			sendError(s.conn, addr, errIllegalOp, err.Error())
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTransfer(addr, filename, mode, opts)
		}()
	default:
		sendError(s.conn, addr, errIllegalOp, fmt.Sprintf("unexpected opcode %d on main socket", op))
	}
}

func opcode(pkt []byte) uint16 { return uint16(pkt[0])<<8 | uint16(pkt[1]) }

// parseRQ splits opcode-stripped RRQ/WRQ payload into filename, mode, and
// the option (name, value) pairs per RFC 2347.
func parseRQ(payload []byte) (filename, mode string, opts map[string]string, err error) {
	fields, err := splitNulTerminated(payload)
	if err != nil {
		return "", "", nil, err
	}
	if len(fields) < 2 {
		return "", "", nil, errors.New("malformed request: missing filename or mode")
	}
	filename = fields[0]
	mode = strings.ToLower(fields[1])
	switch mode {
	case "octet", "netascii":
	case "mail":
		return "", "", nil, errors.New("mail transfer mode is not supported")
	default:
		return "", "", nil, fmt.Errorf("unsupported transfer mode %q", mode)
	}

	opts = make(map[string]string)
	rest := fields[2:]
	for i := 0; i+1 < len(rest); i += 2 {
		opts[strings.ToLower(rest[i])] = rest[i+1]
	}
	return filename, mode, opts, nil
}

func splitNulTerminated(payload []byte) ([]string, error) {
	var fields []string
	start := 0
	for i, b := range payload {
		if b == 0 {
			fields = append(fields, string(payload[start:i]))
			start = i + 1
		}
	}
	if start != len(payload) {
		return nil, errors.New("malformed request: not NUL-terminated")
	}
	return fields, nil
}

// reusePortControl sets SO_REUSEPORT on the listen socket before bind,
// the same direct-syscall tuning used by internal/httpd, so a restarted
// server can rebind :69 immediately.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
