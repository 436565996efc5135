// Package relay implements the MoltDM relay: the dumb-pipe HTTP
// service that stores published identity bundles, routes already
// encrypted messages between conversation members, and brokers
// device-pairing snapshots. It never holds or derives any message key;
// every field it persists is either routing metadata or an opaque blob
// produced by the cryptocore package on a client.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/moltdm/moltdm/internal/config"
	"github.com/moltdm/moltdm/internal/reqauth"
	"github.com/moltdm/moltdm/internal/store"
)

// Server bundles everything an HTTP handler needs: persistence, the
// request verifier, and the loaded config.
type Server struct {
	Store    store.Store
	Verifier *reqauth.Verifier
	Config   *config.Config

	httpServer *http.Server
	logger     *log.Logger
}

// NewServer wires the router, middleware stack, and underlying
// http.Server. redisClient may be nil, in which case rate limiting
// falls back to an in-memory per-key token bucket.
func NewServer(st store.Store, verifier *reqauth.Verifier, cfg *config.Config, redisClient *redis.Client) *Server {
	s := &Server{
		Store:    st,
		Verifier: verifier,
		Config:   cfg,
		logger:   log.New(os.Stdout, "[RELAY] ", log.Ldate|log.Ltime|log.LUTC),
	}

	router := mux.NewRouter()
	router.Use(LimitBodyMiddleware)

	router.HandleFunc("/health", s.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()

	// Registration and identity-bundle reads are intentionally public:
	// a brand-new client has no signing relationship with the relay
	// yet, and a peer must be able to fetch a stranger's pre-key
	// bundle before it has established any shared secret to sign with.
	api.HandleFunc("/identity/register", s.RegisterIdentity).Methods("POST")
	api.HandleFunc("/identity/{moltbotId}", s.GetIdentityBundle).Methods("GET")
	api.HandleFunc("/identity/{moltbotId}/prekey", s.GetOneTimePreKey).Methods("GET")

	authed := api.PathPrefix("").Subrouter()
	authed.Use(AuthMiddleware(verifier, skipAuthForPublicPaths))

	rateLimiter := NewRateLimiter(cfg.RateLimits, redisClient)
	authed.Use(rateLimiter.Middleware)

	authed.HandleFunc("/identity/{moltbotId}/prekeys", s.ReplenishOneTimePreKeys).Methods("POST")

	authed.HandleFunc("/conversations", s.CreateConversation).Methods("POST")
	authed.HandleFunc("/conversations/{id}", s.GetConversation).Methods("GET")
	authed.HandleFunc("/conversations/{id}/members/{moltbotId}", s.AddConversationMember).Methods("POST")
	authed.HandleFunc("/conversations/{id}/members/{moltbotId}", s.RemoveConversationMember).Methods("DELETE")

	authed.HandleFunc("/conversations/{id}/messages", s.PostMessage).Methods("POST")
	authed.HandleFunc("/conversations/{id}/messages", s.ListMessages).Methods("GET")

	authed.HandleFunc("/pairing/{moltbotId}", s.CreatePairingRequest).Methods("POST")
	authed.HandleFunc("/pairing/{token}", s.SubmitPairingSnapshot).Methods("PUT")
	authed.HandleFunc("/pairing/{token}", s.FetchPairingSnapshot).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", reqauth.HeaderMoltbotID, reqauth.HeaderTimestamp, reqauth.HeaderSignature},
		AllowCredentials: false,
	})

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func skipAuthForPublicPaths(r *http.Request) bool {
	return r.Method == http.MethodGet && r.URL.Path == "/health"
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Println("shutting down")
	return s.httpServer.Shutdown(ctx)
}

// HealthCheck reports liveness for load balancers and orchestrators.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

// writeJSON encodes and writes a JSON response, logging (rather than
// failing) an encode error since the status line is already sent.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("ERROR: failed to encode JSON response: %v", err)
	}
}
