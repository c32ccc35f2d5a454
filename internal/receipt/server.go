package receipt

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultMaxUploadBytes caps a single receipt upload
const DefaultMaxUploadBytes = 5 << 20

// DefaultUserID owns every receipt when basic auth is not configured
const DefaultUserID = "default"

type contextKey struct{}

// Server handles HTTP requests for receipts and email processing
type Server struct {
	service   *Service
	basicAuth BasicAuth
	maxUpload int64
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials. The username doubles as the
// owner of the receipts created through the API.
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth, maxUpload int64) *Server {
	return NewServerWithMux(service, basicAuth, maxUpload, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, maxUpload int64, mux *http.ServeMux) *Server {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		maxUpload: maxUpload,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials and returns the caller's user ID
func (s *Server) authenticate(r *http.Request) (string, bool) {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return DefaultUserID, true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return "", false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return "", false
	}

	if credentials[0] != s.basicAuth.Username || credentials[1] != s.basicAuth.Password {
		return "", false
	}
	return credentials[0], true
}

// userID returns the authenticated user of a request
func userID(r *http.Request) string {
	if id, ok := r.Context().Value(contextKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultUserID
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authenticate(r)
		if !ok {
			// Ensure CORS headers are set before error response
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Receiptify"`)
			writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, user)))
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Receipts: fixed paths before the {id} patterns
	s.mux.HandleFunc("GET /api/receipts/stats/summary", s.requireAuth(s.handleStats))
	s.mux.HandleFunc("POST /api/receipts/parse/image", s.requireAuth(s.handleParseImage))
	s.mux.HandleFunc("POST /api/receipts/insert", s.requireAuth(s.handleInsertReceipts))
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("PUT /api/receipts/{id}", s.requireAuth(s.handleUpdateReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireAuth(s.handleDeleteReceipt))
	s.mux.HandleFunc("GET /api/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleCreateReceipt))

	// Gmail
	s.mux.HandleFunc("POST /api/gmail/sync", s.requireAuth(s.handleSync))
	s.mux.HandleFunc("POST /api/gmail/process-all", s.requireAuth(s.handleProcessAll))
	s.mux.HandleFunc("POST /api/gmail/process-email/{id}", s.requireAuth(s.handleProcessEmail))
	s.mux.HandleFunc("GET /api/gmail/search", s.requireAuth(s.handleSearchEmails))
	s.mux.HandleFunc("GET /api/gmail/email/{id}", s.requireAuth(s.handleGetEmail))
}

// Handler returns the routes wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
