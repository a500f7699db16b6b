// Package api exposes session control, flow and graph views, capture
// downloads and the live feed over HTTP.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"Go2NetGraph/internal/archive"
	"Go2NetGraph/internal/flow"
	"Go2NetGraph/internal/metrics"
	"Go2NetGraph/internal/module"
	"Go2NetGraph/internal/session"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxUpload bounds an uploaded capture file.
const maxUpload = 256 << 20

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	engine  *session.Engine
	querier archive.Querier
	feed    http.Handler
	logger  *zap.SugaredLogger
}

// New returns a server. querier and feed may be nil.
func New(engine *session.Engine, querier archive.Querier, feed http.Handler, logger *zap.SugaredLogger) *Server {
	return &Server{engine: engine, querier: querier, feed: feed, logger: logger}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/sniffer").Subrouter()
	api.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.newSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.deleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/start", s.startSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/stop", s.stopSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/flows", s.flowStatus).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/flows/{fid}/payload", s.flowPayload).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/nodes", s.nodes).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/pcap", s.pcapFile).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/modules", s.listModules).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/modules/{module}", s.bootstrapModule).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/modules/{module}/static", s.moduleStatic).Methods(http.MethodGet)

	if s.querier != nil {
		r.HandleFunc("/api/archive/sessions", s.archiveSessions).Methods(http.MethodGet)
		r.HandleFunc("/api/archive/sessions/{id}/flows", s.archiveFlows).Methods(http.MethodGet)
	}
	if s.feed != nil {
		r.Handle("/ws", s.feed)
	}
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusOf maps lifecycle errors to HTTP codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionRunning), errors.Is(err, session.ErrSessionNotRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusOf(err), err)
		return nil, false
	}
	return sess, true
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

type newSessionRequest struct {
	Name         string `json:"session_name"`
	Filter       string `json:"filter"`
	InterceptTLS bool   `json:"intercept_tls"`
	Public       bool   `json:"public"`
	Start        bool   `json:"start"`
}

// newSession accepts either a JSON body or a multipart form carrying the
// same fields plus an optional "pcap-file" upload.
func (s *Server) newSession(w http.ResponseWriter, r *http.Request) {
	var req newSessionRequest
	var capture []byte

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("failed to parse form: %w", err))
			return
		}
		req.Name = r.FormValue("session_name")
		req.Filter = r.FormValue("filter")
		req.InterceptTLS, _ = strconv.ParseBool(r.FormValue("intercept_tls"))
		req.Public, _ = strconv.ParseBool(r.FormValue("public"))
		req.Start, _ = strconv.ParseBool(r.FormValue("start"))
		if file, _, err := r.FormFile("pcap-file"); err == nil {
			capture, err = io.ReadAll(io.LimitReader(file, maxUpload))
			file.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read capture file: %w", err))
				return
			}
		}
	} else if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode request: %w", err))
		return
	}

	remote, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remote = r.RemoteAddr
	}

	sess, err := s.engine.NewSession(r.Context(), session.NewOptions{
		Name:         req.Name,
		RemoteAddr:   remote,
		Filter:       req.Filter,
		InterceptTLS: req.InterceptTLS,
		Public:       req.Public,
		Capture:      capture,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Infow("Session requested", "session", sess.Name, "remote", remote, "upload", len(capture) > 0)
	if req.Start {
		if err := sess.Start(r.Context()); err != nil {
			writeError(w, statusOf(err), err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": sess.Info(),
		"modules": sess.Modules(),
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Start(r.Context()); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Stop(); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) flowStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	include, _ := strconv.ParseBool(q.Get("include_payload"))
	stats, err := sess.FlowStatus(include, q.Get("encoding"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flows": stats})
}

func (s *Server) flowPayload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	f, ok := sess.Flow(mux.Vars(r)["fid"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("flow not found"))
		return
	}
	enc := r.URL.Query().Get("encoding")
	if enc == "" {
		enc = flow.EncodingRaw
	}
	st, err := f.Statistics(true, enc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.FID+".bin"))
	io.WriteString(w, *st.Payload)
}

func (s *Server) nodes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Graph())
}

func (s *Server) pcapFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if !sess.Pcap() {
		writeError(w, http.StatusNotFound, errors.New("session has no capture file"))
		return
	}
	f, err := os.Open(sess.PcapPath())
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/vnd.tcpdump.pcap")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", session.PcapFilename(sess.ID, sess.Name)))
	http.ServeContent(w, r, "", sess.CreatedAt, f)
}

func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"modules": sess.Modules(), "available": module.Names()})
}

func (s *Server) bootstrapModule(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	m, ok := sess.Module(mux.Vars(r)["module"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("module not loaded"))
		return
	}
	args := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			args[k] = v[0]
		}
	}
	out, err := m.Bootstrap(r.Context(), args)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) moduleStatic(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	m, ok := sess.Module(mux.Vars(r)["module"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("module not loaded"))
		return
	}
	filename := r.URL.Query().Get("filename")
	data, err := m.Static(filename)
	switch {
	case errors.Is(err, module.ErrInvalidFilename):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusNotFound, err)
		return
	}
	http.ServeContent(w, r, filename, time.Time{}, bytes.NewReader(data))
}

func (s *Server) archiveSessions(w http.ResponseWriter, r *http.Request) {
	var until time.Time
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid until: %w", err))
			return
		}
		until = t
	}
	out, err := s.querier.Sessions(r.Context(), until)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) archiveFlows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	out, err := s.querier.FlowHistory(r.Context(), mux.Vars(r)["id"], q.Get("fid"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flows": out})
}
