// Package dashboard exposes the four JSON operations spec.md §6 names as
// the operator-facing surface of this system: list_sessions, session_info,
// queue_command, and latest_frame. No HTML/CSS — presentation is an
// external collaborator per spec.md's Non-goals. Grounded on the donor's
// internal/tuner.Server HTTP wiring (http.NewServeMux + http.Server +
// ctx-driven Shutdown, logRequests middleware).
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knightofdemons/a9-v720/internal/session"
)

// brotliThreshold is the response size above which GET /sessions is
// brotli-compressed for clients that advertise Accept-Encoding: br. Below
// this the session listing is small enough that compression overhead isn't
// worth it.
const brotliThreshold = 1024

// Server answers the dashboard's JSON API and proxies /metrics to
// promhttp.Handler().
type Server struct {
	Registry *session.Registry
	Verbose  bool

	httpSrv *http.Server
}

func New(reg *session.Registry) *Server {
	return &Server{Registry: reg}
}

// ListenAndServe binds addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.handleListSessions)
	mux.HandleFunc("/sessions/", s.handleSessionRoutes)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{Addr: addr, Handler: logRequests(mux, s.Verbose)}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("dashboard: listening on %s", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("dashboard: shutdown: %v", err)
		}
		<-errCh
		return nil
	}
}

type sessionSummary struct {
	DeviceID  string `json:"device_id"`
	PeerIP    string `json:"peer_ip"`
	State     string `json:"state"`
	IdleSecs  int    `json:"idle_seconds"`
	Streaming bool   `json:"streaming"`
}

// handleListSessions implements list_sessions(): every known session,
// brotli-compressed when the body exceeds brotliThreshold and the client
// sent Accept-Encoding: br.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	sessions := s.Registry.List()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		sess.Lock()
		out = append(out, sessionSummary{
			DeviceID:  sess.DeviceID,
			PeerIP:    sess.PeerIP,
			State:     sess.State.String(),
			IdleSecs:  int(sess.IdleSince(now).Seconds()),
			Streaming: sess.State == session.Streaming,
		})
		sess.Unlock()
	}

	body, err := json.Marshal(out)
	if err != nil {
		http.Error(w, "encode failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if len(body) > brotliThreshold && acceptsBrotli(r) {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
		defer bw.Close()
		bw.Write(body)
		return
	}
	w.Write(body)
}

func acceptsBrotli(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "br")
}

// handleSessionRoutes dispatches /sessions/<device_id>[/command|/frame].
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	deviceID := parts[0]
	if deviceID == "" {
		http.NotFound(w, r)
		return
	}

	sess, ok := s.Registry.ByDeviceID(deviceID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown device")
		return
	}

	if len(parts) == 1 {
		s.handleSessionInfo(w, sess)
		return
	}
	switch parts[1] {
	case "command":
		s.handleQueueCommand(w, r, sess)
	case "frame":
		s.handleLatestFrame(w, sess)
	default:
		http.NotFound(w, r)
	}
}

// handleSessionInfo implements session_info(device_id).
func (s *Server) handleSessionInfo(w http.ResponseWriter, sess *session.Session) {
	now := time.Now()
	sess.Lock()
	info := sessionSummary{
		DeviceID:  sess.DeviceID,
		PeerIP:    sess.PeerIP,
		State:     sess.State.String(),
		IdleSecs:  int(sess.IdleSince(now).Seconds()),
		Streaming: sess.State == session.Streaming,
	}
	sess.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

type commandRequest struct {
	Command  string `json:"command"` // "StartStream" | "Stop" | "Snapshot"
	Target   string `json:"target"`
	CliToken string `json:"cli_token"`
}

// handleQueueCommand implements queue_command(device_id, {StartStream|Stop|Snapshot}).
func (s *Server) handleQueueCommand(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode: %v", err))
		return
	}

	sess.Lock()
	switch req.Command {
	case "StartStream":
		sess.QueueStartStream(req.Target, req.CliToken)
	case "Stop":
		sess.QueueStop()
	case "Snapshot":
		sess.QueueSnapshot()
	default:
		sess.Unlock()
		writeJSONError(w, http.StatusBadRequest, "unknown command")
		return
	}
	sess.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

// handleLatestFrame implements latest_frame(device_id) -> JPEG bytes | none.
func (s *Server) handleLatestFrame(w http.ResponseWriter, sess *session.Session) {
	frame := sess.Reassembler.Latest()
	if frame == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Write(frame)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler, verbose bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !verbose {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf("dashboard: %s %s status=%d dur=%s remote=%s", r.Method, r.URL.Path, status, time.Since(start).Round(time.Millisecond), r.RemoteAddr)
	})
}
