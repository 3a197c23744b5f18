package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chriskillpack/photocircuit/detection"

	"github.com/google/uuid"
)

// backend is the part of *photocircuit.PhotoCircuit the server needs.
type backend interface {
	detection.ComponentDetector

	Name() string
	Model() string
	IsHealthy(ctx context.Context) bool
}

type Server struct {
	hs      *http.Server
	b       backend
	logger  *log.Logger
	maxBody int64
}

var acceptedMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

func NewServer(b backend, port string, maxBody int64, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	srv := &Server{
		b:       b,
		logger:  logger,
		maxBody: maxBody,
	}

	srv.hs = &http.Server{
		Addr:              net.JoinHostPort("0.0.0.0", port),
		Handler:           srv.serveHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv
}

func (s *Server) Start() error {
	return s.hs.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hs.Shutdown(ctx)
}

func (s *Server) serveHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /detect", s.serveDetect())
	mux.Handle("GET /health", s.serveHealth())
	mux.Handle("GET /{$}", s.serveRoot())

	return s.withRequestID(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestID tags every response with an X-Request-Id and logs one line
// per request.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		s.logger.Printf("%s %s %s %d %s\n", id, req.Method, req.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

type detectRequest struct {
	Image string `json:"image"`
}

// detectResponse carries exactly one of result or error. A successful
// detection always has a result key, even when the description is empty.
type detectResponse struct {
	Result *string `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

func (s *Server) serveDetect() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var dr detectRequest
		body := http.MaxBytesReader(w, req.Body, s.maxBody)
		if err := json.NewDecoder(body).Decode(&dr); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeJSON(w, http.StatusRequestEntityTooLarge, detectResponse{Error: fmt.Sprintf("request body exceeds %d bytes", mbe.Limit)})
				return
			}
			writeJSON(w, http.StatusBadRequest, detectResponse{Error: "malformed JSON body"})
			return
		}
		if err := checkImage(dr.Image); err != nil {
			writeJSON(w, http.StatusBadRequest, detectResponse{Error: err.Error()})
			return
		}

		result, err := s.b.DetectComponents(req.Context(), dr.Image)
		if err != nil {
			status := statusFor(err)
			s.logger.Printf("%s detect error - %s\n", w.Header().Get("X-Request-Id"), err)
			writeJSON(w, status, detectResponse{Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, detectResponse{Result: &result})
	}
}

func (s *Server) serveHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		resp := struct {
			Status  string `json:"status"`
			Backend string `json:"backend"`
			Model   string `json:"model"`
		}{Status: "ok", Backend: s.b.Name(), Model: s.b.Model()}

		status := http.StatusOK
		if !s.b.IsHealthy(req.Context()) {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func (s *Server) serveRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, "Hello, world!")
	}
}

// checkImage rejects payloads that are not base64 encoded images before any
// backend is involved.
func checkImage(image string) error {
	data := strings.TrimSpace(image)
	var mime string
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found {
			return errors.New("malformed data URL")
		}
		mime, _, _ = strings.Cut(meta, ";")
		data = payload
	}
	if data == "" {
		return errors.New("image is required")
	}

	// Padding is required, not every backend accepts unpadded input
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return errors.New("image is not valid padded base64")
	}

	sniffed := http.DetectContentType(raw)
	if !acceptedMIME[sniffed] {
		return fmt.Errorf("unsupported image type %s", sniffed)
	}
	if mime != "" && !acceptedMIME[strings.ToLower(mime)] {
		return fmt.Errorf("unsupported image type %s", mime)
	}

	return nil
}

// statusClientClosed is the nginx convention for a request the client
// abandoned. Nobody reads the response, it only shows up in the log.
const statusClientClosed = 499

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosed
	case errors.Is(err, detection.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, detection.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, detection.ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
