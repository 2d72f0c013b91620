package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/curtailr/curtailr/pkg/audit"
	"github.com/curtailr/curtailr/pkg/controller"
	"github.com/curtailr/curtailr/pkg/dispatch"
	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/metrics"
	"github.com/curtailr/curtailr/pkg/period"
	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/token"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/curtailr/curtailr/pkg/vendor"
	"github.com/levenlabs/go-lflag"
)

const authTokenCookie = "auth_token"

type contextKey string

const (
	emailContextKey contextKey = "email"
)

// idClaims are the ID token claims the API cares about.
type idClaims struct {
	Email         string
	EmailVerified bool
	Expiry        time.Time
}

// tokenVerifier is a function that validates a Google ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (idClaims, error)

func oidcTokenVerifier(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (idClaims, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return idClaims{}, err
		}
		var claims struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return idClaims{}, err
		}
		return idClaims{
			Email:         claims.Email,
			EmailVerified: claims.EmailVerified,
			Expiry:        idToken.Expiry,
		}, nil
	}
}

// Server runs the control passes and the operator HTTP API.
type Server struct {
	storage    storage.Database
	vendors    *vendor.Map
	dispatcher *dispatch.Dispatcher
	recorder   *audit.Recorder
	resolver   *period.Resolver
	controller *controller.Controller
	metrics    *metrics.Metrics

	listenAddr string
	httpServer *http.Server

	schedulerEmail   string
	adminEmails      []string
	oidcAudience     string
	oidcVerifier     tokenVerifier
	bypassAuth       bool
	autoVendors      map[types.Vendor]bool
	disableScheduler bool
	serverName       string

	// controlMu is held by every control path that reads and writes plant
	// status or vendor tokens.
	controlMu sync.Mutex

	now func() time.Time
}

// New wires a Server from its dependencies without reading any flags.
func New(db storage.Database, vendors *vendor.Map, cipher token.Cipher, resolver *period.Resolver, m *metrics.Metrics) *Server {
	return &Server{
		storage:    db,
		vendors:    vendors,
		dispatcher: dispatch.New(db, vendors, cipher, m),
		recorder:   audit.NewRecorder(db, m),
		resolver:   resolver,
		controller: controller.NewController(),
		metrics:    m,
		autoVendors: map[types.Vendor]bool{
			types.VendorSungrow: true,
		},
		serverName: "curtailr",
		now:        time.Now,
	}
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, vendors *vendor.Map, cipher token.Cipher, resolver *period.Resolver, m *metrics.Metrics) *Server {
	srv := New(db, vendors, cipher, resolver, m)
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	schedulerEmail := lflag.String("scheduler-email", "", "service account email allowed to trigger passes via /api/passes")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to use the operator API")
	oidcAudience := lflag.String("oidc-audience", "", "audience to validate Google ID tokens against")
	bypassAuth := lflag.Bool("bypass-auth", false, "Disable authentication of the operator API (development only)")
	autoVendors := lflag.String("auto-control-vendors", string(types.VendorSungrow), "comma-delimited list of vendors the scheduled passes control")
	disableScheduler := lflag.Bool("disable-scheduler", false, "Don't run the in-process pass scheduler")

	lflag.Do(func() {
		ctx := context.Background()
		srv.listenAddr = *listenAddr
		srv.schedulerEmail = strings.TrimSpace(*schedulerEmail)
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(ctx, "https://accounts.google.com")
			if err != nil {
				log.Ctx(ctx).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcAudience = *oidcAudience
			srv.oidcVerifier = oidcTokenVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
		}
		srv.bypassAuth = *bypassAuth
		if !srv.bypassAuth && srv.oidcVerifier == nil {
			log.Ctx(ctx).Warn("no oidc-audience configured, the operator API will reject every request")
		}

		vendors, err := parseVendors(*autoVendors)
		if err != nil {
			log.Ctx(ctx).Error("invalid auto-control-vendors", slog.Any("error", err))
			os.Exit(1)
		}
		srv.autoVendors = vendors
		srv.disableScheduler = *disableScheduler
		// vendors are only known once their own flags were parsed
		srv.dispatcher = dispatch.New(db, srv.vendors, cipher, m)
		if err := srv.Validate(); err != nil {
			log.Ctx(ctx).Error("invalid server configuration", slog.Any("error", err))
			os.Exit(1)
		}
	})

	return srv
}

func parseVendors(s string) (map[types.Vendor]bool, error) {
	vendors := make(map[types.Vendor]bool)
	for _, name := range strings.Split(s, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		v, err := types.ParseVendor(name)
		if err != nil {
			return nil, err
		}
		vendors[v] = true
	}
	return vendors, nil
}

// Validate returns types.ErrConfig if a vendor chosen for automated control
// has no configured client.
func (s *Server) Validate() error {
	for v := range s.autoVendors {
		if _, err := s.vendors.Get(v); err != nil {
			return fmt.Errorf("auto-control vendor %s: %w", v, err)
		}
	}
	return nil
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	apiMux.HandleFunc("GET /api/plants", s.handleListPlants)
	apiMux.HandleFunc("POST /api/plants/{plantID}/evaluate", s.handleEvaluatePlant)
	apiMux.HandleFunc("GET /api/audit", s.handleListAudit)
	apiMux.HandleFunc("POST /api/passes/{pass}", s.handleRunPass)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	// vendors call back without our credentials
	mux.HandleFunc("/api/callback/{vendor}", s.handleVendorCallback)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

func (s *Server) getEmail(r *http.Request) string {
	email, _ := r.Context().Value(emailContextKey).(string)
	return email
}

// Run starts the scheduler and the HTTP server and blocks until the context
// is canceled or an error occurs. It also handles graceful shutdown when the
// context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	schedulerDone := make(chan struct{})
	if s.disableScheduler {
		close(schedulerDone)
	} else {
		go func() {
			defer close(schedulerDone)
			s.runScheduler(ctx)
		}()
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		<-schedulerDone
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

// isAdmin returns true if the email is in the adminEmails list.
func (s *Server) isAdmin(email string) bool {
	for _, adminEmail := range s.adminEmails {
		if email == adminEmail {
			return true
		}
	}
	return false
}
