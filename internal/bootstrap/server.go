// Package bootstrap implements the fixed-shape HTTP JSON endpoints a V720
// camera contacts before it ever opens the TCP/UDP protocol connection
// (spec.md §6): registerDevices, confirm, and getA9ConfCheck. Bodies are
// kept byte-for-byte compatible with what the camera firmware expects;
// everything else about the response (headers, content type) is shaped to
// match a pcap of the real cloud endpoint.
package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/knightofdemons/a9-v720/internal/metrics"
)

// Server answers the three bootstrap routes on a single HTTP listener
// (spec.md §6: default port 80).
type Server struct {
	ServerIP string
	Verbose  bool

	limiter *rate.Limiter
	httpSrv *http.Server
}

// New builds a Server advertising serverIP in getA9ConfCheck responses.
// Each route shares one rate.Limiter: a misbehaving camera retry-storm
// can't be used to hammer the impersonated cloud endpoints.
func New(serverIP string) *Server {
	return &Server{
		ServerIP: serverIP,
		limiter:  rate.NewLimiter(rate.Limit(50), 20),
	}
}

// ListenAndServe binds addr and serves until ctx is canceled, mirroring the
// donor's internal/tuner.Server.Run ctx-driven http.Server shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/app/api/ApiSysDevicesBatch/registerDevices", s.rateLimited("registerDevices", s.handleRegisterDevices))
	mux.HandleFunc("/app/api/ApiSysDevicesBatch/confirm", s.rateLimited("confirm", s.handleConfirm))
	mux.HandleFunc("/app/api/ApiServer/getA9ConfCheck", s.rateLimited("getA9ConfCheck", s.handleConfCheck))

	s.httpSrv = &http.Server{Addr: addr, Handler: logRequests(mux, s.Verbose)}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("bootstrap: listening on %s", addr)
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
			log.Printf("bootstrap: shutdown: %v", err)
		}
		<-errCh
		return nil
	}
}

func (s *Server) rateLimited(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			metrics.BootstrapRequests.WithLabelValues(route, "429").Inc()
			return
		}
		lw := &loggingResponseWriter{ResponseWriter: w}
		next(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.BootstrapRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
}

func writeCameraJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Server", "nginx/1.14.0 (Ubuntu)")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("bootstrap: encode response: %v", err)
	}
}

// handleRegisterDevices answers POST registerDevices?batch=<B>&random=<R>&token=<T>
// with a device id derived from the first 4 characters of random, upper-cased.
func (s *Server) handleRegisterDevices(w http.ResponseWriter, r *http.Request) {
	random := r.URL.Query().Get("random")
	deviceID := deviceIDFromRandom(random)
	writeCameraJSON(w, map[string]any{
		"code":    200,
		"message": "操作成功",
		"data":    deviceID,
	})
}

// handleConfirm answers POST confirm?devicesCode=<D>&random=<R>&token=<T>.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	writeCameraJSON(w, map[string]any{
		"code":    200,
		"message": "操作成功",
		"data":    nil,
	})
}

// handleConfCheck answers POST getA9ConfCheck?devicesCode=<D>&random=<R>&token=<T>
// with the TCP port, server IP, and a freshly generated 8-hex device password.
func (s *Server) handleConfCheck(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("devicesCode")
	writeCameraJSON(w, map[string]any{
		"code":    200,
		"message": "操作成功",
		"data": map[string]any{
			"tcpPort":   6123,
			"uid":       deviceID,
			"isBind":    "8",
			"domain":    "v720.naxclow.com",
			"updateUrl": nil,
			"host":      s.ServerIP,
			"currTime":  strconv.FormatInt(time.Now().Unix(), 10),
			"pwd":       randomHexPassword(),
			"version":   nil,
		},
	})
}

// deviceIDFromRandom builds "0800c001<R[0..4].upper()>" (spec.md §6); random
// shorter than 4 bytes is right-padded with '0' rather than producing a
// malformed id.
func deviceIDFromRandom(random string) string {
	random = strings.ToUpper(random)
	for len(random) < 4 {
		random += "0"
	}
	return "0800c001" + random[:4]
}

func randomHexPassword() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "deadbeef"
	}
	return fmt.Sprintf("%x", b)
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
		log.Printf("bootstrap: %s %s status=%d dur=%s remote=%s", r.Method, r.URL.Path, status, time.Since(start).Round(time.Millisecond), r.RemoteAddr)
	})
}
