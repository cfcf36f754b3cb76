// Package httpd implements the HTTP/1.1 server (spec.md §4.6): a threaded
// net/http server that dispatches each request to the first configured
// handler whose CanHandle matches, streaming the response back with the
// right Content-Length semantics.
package httpd

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vinegar-boot/vinegar/internal/handler"
	"github.com/vinegar-boot/vinegar/internal/verr"
)

// DefaultMaxRequestBodyBytes bounds how much of a request body the server
// will read before responding 413 when Config.MaxRequestBodyBytes is unset.
const DefaultMaxRequestBodyBytes = 16 << 20

// Config configures the HTTP server (spec.md §6 `http` section).
type Config struct {
	BindAddress         string // default "::"
	BindPort            int    // default 80
	Handlers            []handler.Handler
	MaxRequestBodyBytes int64
	ShutdownGrace       time.Duration
	Logger              *log.Logger
}

// Server is the running HTTP listener plus the net/http.Server it backs.
type Server struct {
	cfg      Config
	listener net.Listener
	srv      *http.Server
	log      *log.Logger
}

// New binds the configured address:port (applying SO_REUSEPORT the same
// way the bootstrap code tunes the TFTP socket) and wraps it in a
// net/http.Server ready for Serve.
func New(cfg Config) (*Server, error) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "::"
	}
	if cfg.BindPort == 0 {
		cfg.BindPort = 80
	}
	if cfg.MaxRequestBodyBytes == 0 {
		cfg.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "httpd: ", log.LstdFlags)
	}

	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.BindPort))
	lc := net.ListenConfig{Control: reusePortControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, listener: ln, log: cfg.Logger}
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// reusePortControl sets SO_REUSEPORT on the listen socket before bind,
// the same direct-syscall tuning style as the teacher's unix.Mmap control
// block: letting a restarted process rebind immediately without waiting
// out TIME_WAIT.
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

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the HTTP server until Shutdown is called. It always returns
// a non-nil error; http.ErrServerClosed signals a clean shutdown.
func (s *Server) Serve() error {
	return s.srv.Serve(s.listener)
}

// Shutdown stops accepting new connections and waits up to the configured
// grace period for in-flight responses to complete (spec.md §5
// "Cancellation").
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// ServeHTTP implements http.Handler: it builds a handler.Request from r,
// offers it to each configured handler in order, and translates the
// first response or error into the wire-level reply.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientAddr := clientAddrOf(r.RemoteAddr)
	info := handler.RequestInfo{
		ClientAddress: clientAddr,
		URI:           r.URL.RequestURI(),
		Method:        r.Method,
		Headers:       r.Header,
	}

	var body io.Reader
	if r.ContentLength > s.cfg.MaxRequestBodyBytes {
		http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
		return
	}
	if r.Body != nil {
		body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodyBytes)
	}

	req := handler.Request{Info: info, Body: body}

	for _, h := range s.cfg.Handlers {
		if !h.CanHandle(info.URI) {
			continue
		}
		resp, err := h.Handle(req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeResponse(w, resp)
		return
	}

	http.NotFound(w, r)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp handler.Response) {
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	if resp.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.Size, 10))
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body == nil {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.Printf("error streaming response body: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, verr.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, verr.ErrAccessDenied):
		http.Error(w, "access denied", http.StatusForbidden)
	case handler.IsMethodNotAllowed(err):
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		var protoErr *verr.ProtocolError
		if errors.As(err, &protoErr) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func clientAddrOf(remoteAddr string) netip.Addr {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr
}
