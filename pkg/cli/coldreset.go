package cli

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/devicelab-dev/ios-provider/pkg/coordinator"
	"github.com/devicelab-dev/ios-provider/pkg/logger"
)

// coldResetServer exposes the cold-reset external-collaborator contract
// spec.md §4.10 names (restart_wda_proxy()/wda_healthcheck()), kept as a
// thin HTTP stub outside the tested core per spec.md's Non-goals: one POST
// route per udid that restarts the device's reverse proxy and then
// exercises its WDA healthcheck, so an operator or control-plane script can
// recover a wedged device without restarting the whole agent.
type coldResetServer struct {
	coord *coordinator.Coordinator
	srv   *http.Server
}

func newColdResetServer(coord *coordinator.Coordinator) *coldResetServer {
	return &coldResetServer{coord: coord}
}

// Start binds port (0 picks a free one) and begins serving in the
// background. A zero-valued *coldResetServer is never constructed with no
// coordinator, so Start always has something to wire.
func (s *coldResetServer) Start(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, fmt.Errorf("cold-reset server: listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/devices/", s.handleColdReset)
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Debug("cold-reset server: serve exited: %v", err)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (s *coldResetServer) Stop() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// handleColdReset serves POST /devices/{udid}/cold-reset.
func (s *coldResetServer) handleColdReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	udid, ok := udidFromColdResetPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if err := s.coord.RestartProxy(udid); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := s.coord.Healthcheck(udid); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// udidFromColdResetPath extracts udid from "/devices/{udid}/cold-reset".
func udidFromColdResetPath(path string) (string, bool) {
	const prefix, suffix = "/devices/", "/cold-reset"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	udid := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if udid == "" || strings.Contains(udid, "/") {
		return "", false
	}
	return udid, true
}
