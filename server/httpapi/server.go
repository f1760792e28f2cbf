package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/mailstore"
	"github.com/migadu/sieve/pkg/metrics"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/engine"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/sieve/script"
	"github.com/migadu/sieve/submission"
)

// maxBodySize bounds request bodies; scripts are limited separately by the
// engine.
const maxBodySize = 10 << 20

// ScriptLocator returns the personal script storage of a user.
type ScriptLocator func(user string) script.Storage

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	engine       *engine.Engine
	scripts      ScriptLocator
	hostname     string
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	// Scripts enables the per-user script routes when set
	Scripts     ScriptLocator
	Hostname    string
	TLS         bool
	TLSCertFile string
	TLSKeyFile  string
}

// New creates a new HTTP API server
func New(eng *engine.Engine, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if eng == nil {
		return nil, fmt.Errorf("sieve engine is required for HTTP API server")
	}
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		engine:       eng,
		scripts:      options.Scripts,
		hostname:     options.Hostname,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start starts the HTTP API server
func Start(ctx context.Context, eng *engine.Engine, options ServerOptions, errChan chan error) {
	server, err := New(eng, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting API server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

// start initializes and starts the HTTP server
func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the API router with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")

	// Stateless script tools
	v1.HandleFunc("/scripts/check", s.handleCheck).Methods("POST")
	v1.HandleFunc("/scripts/compile", s.handleCompile).Methods("POST")
	v1.HandleFunc("/scripts/dump", s.handleDump).Methods("POST")
	v1.HandleFunc("/scripts/test", s.handleTest).Methods("POST")

	if s.scripts != nil {
		v1.HandleFunc("/users/{user}/scripts", s.handleListScripts).Methods("GET")
		v1.HandleFunc("/users/{user}/scripts/{name}", s.handleGetScript).Methods("GET")
		v1.HandleFunc("/users/{user}/scripts/{name}", s.handlePutScript).Methods("PUT")
		v1.HandleFunc("/users/{user}/scripts/{name}/activate", s.handleActivateScript).Methods("POST")
	}

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
}

// Request/Response types

type ScriptRequest struct {
	Name   string `json:"name"`
	Script string `json:"script"`
}

type TestRequest struct {
	ScriptRequest
	Message      string `json:"message"`
	EnvelopeFrom string `json:"envelope_from"`
	EnvelopeTo   string `json:"envelope_to"`
	User         string `json:"user"`
}

type DiagnosticResponse struct {
	Severity string `json:"severity"`
	Line     int    `json:"line,omitempty"`
	Message  string `json:"message"`
}

type CheckResponse struct {
	Valid       bool                 `json:"valid"`
	Diagnostics []DiagnosticResponse `json:"diagnostics"`
}

type CompileResponse struct {
	CheckResponse
	Binary []byte `json:"binary,omitempty"`
}

type TestResponse struct {
	Status      string               `json:"status"`
	Output      string               `json:"output"`
	Diagnostics []DiagnosticResponse `json:"diagnostics"`
}

func diagnostics(eh *diag.Handler) []DiagnosticResponse {
	out := []DiagnosticResponse{}
	for _, d := range eh.Diagnostics() {
		out = append(out, DiagnosticResponse{
			Severity: d.Severity.String(),
			Line:     d.Location.Pos.Line,
			Message:  d.Message,
		})
	}
	return out
}

func scriptName(name string) string {
	if name == "" {
		return "script"
	}
	return name
}

// compile decodes a script request and compiles it. It writes the failure
// response itself and returns nil when compilation did not succeed.
func (s *Server) compile(w http.ResponseWriter, r *http.Request, req *ScriptRequest, eng *engine.Engine) (*binary.Binary, *diag.Handler) {
	eh := eng.NewDiag()
	bin, err := eng.Compile(r.Context(), script.New(scriptName(req.Name), []byte(req.Script)), eh)
	if err != nil {
		if errors.Is(err, consts.ErrParseFailed) || errors.Is(err, consts.ErrValidationFailed) {
			s.writeJSON(w, http.StatusUnprocessableEntity, CheckResponse{Valid: false, Diagnostics: diagnostics(eh)})
		} else {
			logger.Error("HTTP API: compilation failed", "script", req.Name, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Internal error")
		}
		return nil, eh
	}
	return bin, eh
}

// Handler functions

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": s.engine.Capabilities(),
		"supported":    engine.SupportedExtensions(),
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req ScriptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if bin, eh := s.compile(w, r, &req, s.engine); bin != nil {
		s.writeJSON(w, http.StatusOK, CheckResponse{Valid: true, Diagnostics: diagnostics(eh)})
	}
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req ScriptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	bin, eh := s.compile(w, r, &req, s.engine)
	if bin == nil {
		return
	}
	data, err := bin.Marshal()
	if err != nil {
		logger.Error("HTTP API: failed to marshal binary", "script", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, CompileResponse{
		CheckResponse: CheckResponse{Valid: true, Diagnostics: diagnostics(eh)},
		Binary:        data,
	})
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	var req ScriptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	bin, _ := s.compile(w, r, &req, s.engine)
	if bin == nil {
		return
	}
	var buf bytes.Buffer
	if err := s.engine.Dump(&buf, bin); err != nil {
		logger.Error("HTTP API: failed to dump binary", "script", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleTest runs a script in test mode against a message. Nothing is
// stored or sent.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	eng := s.engine
	if req.User != "" && s.scripts != nil {
		eng = eng.WithPersonal(s.scripts(req.User))
	}
	bin, _ := s.compile(w, r, &req.ScriptRequest, eng)
	if bin == nil {
		return
	}

	raw := strings.ReplaceAll(strings.ReplaceAll(req.Message, "\r\n", "\n"), "\n", "\r\n")
	msg, err := mail.ParseMessage([]byte(raw), mail.Envelope{ReturnPath: req.EnvelopeFrom, To: req.EnvelopeTo})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid message: %v", err))
		return
	}

	env := &mail.Environment{
		User:      req.User,
		UserEmail: req.EnvelopeTo,
		Hostname:  s.hostname,
		Storage:   mailstore.NewMemory(),
		Submitter: submission.NewRecorder(),
	}
	var out bytes.Buffer
	eh := eng.NewDiag()
	st := eng.Test(r.Context(), bin, msg, env, &out, eh, nil)

	code := http.StatusOK
	if st != result.StatusOK {
		code = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, code, TestResponse{Status: st.String(), Output: out.String(), Diagnostics: diagnostics(eh)})
}

func (s *Server) userScripts(r *http.Request) script.Storage {
	return s.scripts(mux.Vars(r)["user"])
}

func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "Script not found")
	case errors.Is(err, consts.ErrInvalidScriptName):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, consts.ErrScriptTooLarge):
		s.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		logger.Error("HTTP API: script storage error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storage := s.userScripts(r)
	names, err := storage.List(ctx)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	active := ""
	if sc, err := storage.Active(ctx); err == nil {
		active = sc.Name
	} else if !errors.Is(err, consts.ErrScriptNotFound) {
		s.writeStorageError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scripts": names, "active": active})
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	sc, err := s.userScripts(r).Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ScriptRequest{Name: sc.Name, Script: string(sc.Source)})
}

// handlePutScript stores a script after it compiled against the user's
// other scripts.
func (s *Server) handlePutScript(w http.ResponseWriter, r *http.Request) {
	var req ScriptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	name := mux.Vars(r)["name"]
	if err := script.ValidateName(name); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = name

	storage := s.userScripts(r)
	bin, eh := s.compile(w, r, &req, s.engine.WithPersonal(storage))
	if bin == nil {
		return
	}
	if err := storage.Save(r.Context(), name, []byte(req.Script)); err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CheckResponse{Valid: true, Diagnostics: diagnostics(eh)})
}

func (s *Server) handleActivateScript(w http.ResponseWriter, r *http.Request) {
	if err := s.userScripts(r).Activate(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"active": mux.Vars(r)["name"]})
}
