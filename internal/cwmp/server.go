package cwmp

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// maxBodySize caps inbound envelopes; real Informs stay well under 1 MiB.
const maxBodySize = 1 << 20

// Server is the TR-069 HTTP endpoint. It authenticates the CPE when
// credentials are configured, hands the body to the planner, and always
// answers 200 text/xml: CPE firmware reacts badly to 5xx, retrying
// aggressively or abandoning the ACS outright.
type Server struct {
	planner  *Planner
	logger   zerolog.Logger
	username string
	password string
}

func NewServer(planner *Planner, logger zerolog.Logger, username, password string) *Server {
	return &Server{
		planner:  planner,
		logger:   logger,
		username: username,
		password: password,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("cwmp handler panic")
			// The dialog is lost but the CPE still gets a clean
			// end-of-dialog instead of a 5xx.
			w.Header().Set("Content-Type", "text/xml; charset=utf-8")
			w.WriteHeader(http.StatusOK)
		}
	}()

	if s.username != "" && !s.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="acs"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.logger.Warn().Err(err).Msg("request body read failed")
		body = nil
	}

	resp := s.planner.Handle(clientIP(r), r.UserAgent(), body)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if resp != "" {
		io.WriteString(w, resp)
	}
}

func (s *Server) checkAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) == 1
	return userOK && passOK
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SendConnectionRequest pokes a CPE's connection-request URL so it informs
// immediately instead of waiting for its periodic interval. The CPE answers
// the probe itself; 200, 204 and 401 all mean it is alive and will call
// back. The timeout bounds the whole exchange so one dead device cannot
// stall the caller.
func SendConnectionRequest(url, username, password string, timeout time.Duration) error {
	if url == "" {
		return fmt.Errorf("device has no connection request url")
	}
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building connection request: %w", err)
	}
	if username != "" {
		req.SetBasicAuth(username, password)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connection request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusUnauthorized:
		return nil
	default:
		return fmt.Errorf("connection request to %s: unexpected status %d", url, resp.StatusCode)
	}
}
