// Package reverseproxy implements ReverseProxy: the public-facing HTTP
// surface for a device's WDA instance. Every path except /screen is
// forwarded verbatim to WDA; /screen upgrades to a WebSocket and bridges
// the MJPEG stream from WDA's mjpeg server as binary frames. Grounded on
// original_source/wdaproxy-script.py (MjpegReader, CorsMixin,
// ScreenWSHandler, ReverseProxyHandler), reimplemented with
// net/http/httputil.ReverseProxy for the pass-through path and
// github.com/gorilla/websocket for /screen.
package reverseproxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/devicelab-dev/ios-provider/pkg/logger"
)

var upgrader = websocket.Upgrader{
	// WDA's screen viewer is embedded in arbitrary tooling; accept any
	// origin, matching ScreenWSHandler.check_origin in the original.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is a ReverseProxy bound to one device's WDA (HTTP) and mjpeg
// (raw TCP MJPEG) endpoints, listening on a single public port.
type Server struct {
	wdaURL   string
	mjpegURL string

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
	port     int
	proxy    *httputil.ReverseProxy
	crashed  bool
}

// New creates a Server that forwards to wdaURL (e.g. http://127.0.0.1:8100)
// and streams MJPEG from mjpegURL (e.g. http://127.0.0.1:9100/).
func New(wdaURL, mjpegURL string) (*Server, error) {
	target, err := url.Parse(wdaURL)
	if err != nil {
		return nil, fmt.Errorf("reverseproxy: invalid wda url: %w", err)
	}
	return &Server{
		wdaURL:   wdaURL,
		mjpegURL: mjpegURL,
		proxy:    httputil.NewSingleHostReverseProxy(target),
	}, nil
}

// Port returns the currently bound public port, or 0 if not started.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Start binds the given port (0 picks a free one) and begins serving.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("reverseproxy: listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/screen", s.handleScreen)
	mux.HandleFunc("/", s.handleProxy)

	srv := &http.Server{Handler: cors(mux)}

	s.mu.Lock()
	s.httpSrv = srv
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.crashed = false
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Debug("reverseproxy: serve exited: %v", err)
			s.mu.Lock()
			s.crashed = true
			s.mu.Unlock()
		}
	}()
	return nil
}

// Exited reports whether the proxy's listener has died on its own, as
// opposed to being closed via Stop. Lets childExited() observe the proxy
// the same way it observes the WDA runner and tunnels.
func (s *Server) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed
}

// Stop closes the listener and any in-flight connections. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Restart stops the current listener (if any) and rebinds, used on
// cold-reset when the supervisor needs a fresh public port.
func (s *Server) Restart(port int) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(port)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	// Force the downstream connection closed per response, matching the
	// original's Connection: close on every reply.
	r.Close = true
	s.proxy.ServeHTTP(w, r)
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("reverseproxy: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The original ignores inbound messages but still drains the socket so
	// control frames (ping/close) get processed; mirror that here.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = streamMJPEG(ctx, s.mjpegURL, func(frame []byte) error {
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	})
	if err != nil && ctx.Err() == nil {
		logger.Debug("reverseproxy: mjpeg stream ended: %v", err)
	}
}

// cors mirrors original_source/wdaproxy-script.py's CorsMixin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "x-requested-with")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		h.Set("Connection", "close")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// streamMJPEG opens a raw TCP connection to mjpegURL and calls onFrame for
// each Content-Length-delimited frame read from the multipart stream, until
// ctx is cancelled or the connection errors/closes. Ported line-for-line
// from MjpegReader.aiter_content in the original: an HTTP/1.0 GET over a
// bare socket, then a header-line-scan for Content-Length followed by
// exactly that many raw bytes per frame.
func streamMJPEG(ctx context.Context, mjpegURL string, onFrame func([]byte) error) error {
	u, err := url.Parse(mjpegURL)
	if err != nil {
		return fmt.Errorf("reverseproxy: invalid mjpeg url: %w", err)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("reverseproxy: dial mjpeg: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\n\r\n", path, addr)
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("reverseproxy: mjpeg request: %w", err)
	}

	r := bufio.NewReader(conn)

	// Consume the response status line and headers up to the blank line.
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reverseproxy: mjpeg headers: %w", err)
		}
		if isBlankLine(line) {
			break
		}
	}

	for {
		length, err := nextContentLength(r)
		if err != nil {
			return err
		}

		frame := make([]byte, length)
		if _, err := readFull(r, frame); err != nil {
			return fmt.Errorf("reverseproxy: mjpeg frame body: %w", err)
		}

		if err := onFrame(frame); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// nextContentLength scans forward, part boundary line by line, until it
// finds a Content-Length header, then consumes the blank line terminating
// that part's headers and returns the declared frame length.
func nextContentLength(r *bufio.Reader) (int, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("reverseproxy: mjpeg part headers: %w", err)
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if !strings.HasPrefix(lower, "content-length:") {
			continue
		}
		val := strings.TrimSpace(trimmed[len("content-length:"):])
		length, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("reverseproxy: bad content-length %q: %w", val, err)
		}
		// Consume the blank line terminating this part's header block.
		if _, err := r.ReadString('\n'); err != nil {
			return 0, fmt.Errorf("reverseproxy: mjpeg part terminator: %w", err)
		}
		return length, nil
	}
}

func isBlankLine(line string) bool {
	return strings.TrimRight(line, "\r\n") == ""
}

// readFull reads exactly len(buf) bytes from the buffered reader.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
