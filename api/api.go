// Package api exposes the relay service over HTTP: request submission,
// transaction lookups, policy rule administration and health probes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relayforge/relay-node/log"
	"github.com/relayforge/relay-node/policy"
	"github.com/relayforge/relay-node/relay"
	stg "github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/types"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log
)

// Relayer runs the submission pipeline for one forward request.
type Relayer interface {
	Relay(ctx context.Context, req *types.ForwardRequest) (*relay.Result, error)
}

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host    string
	Port    int
	Storage *stg.Storage
	Relayer Relayer
	Policy  *policy.Engine
	// KnownNetwork reports whether a network shortname is configured; used
	// to validate policy rule targets.
	KnownNetwork func(string) bool
	// ReadyCheck is probed by the readiness endpoint. Nil means always
	// ready once the server is up.
	ReadyCheck func(ctx context.Context) error
}

// API type represents the API HTTP server.
type API struct {
	router       *chi.Mux
	storage      *stg.Storage
	relayer      Relayer
	policy       *policy.Engine
	knownNetwork func(string) bool
	readyCheck   func(ctx context.Context) error
}

// New creates a new API instance with the given configuration and starts
// the HTTP server.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Storage == nil {
		return nil, fmt.Errorf("missing storage instance")
	}
	if conf.Relayer == nil {
		return nil, fmt.Errorf("missing relayer instance")
	}
	if conf.Policy == nil {
		return nil, fmt.Errorf("missing policy engine instance")
	}
	a := &API{
		storage:      conf.Storage,
		relayer:      conf.Relayer,
		policy:       conf.Policy,
		knownNetwork: conf.KnownNetwork,
		readyCheck:   conf.ReadyCheck,
	}

	// Initialize router
	a.initRouter()
	go func() {
		log.Infow("Starting API server", "host", conf.Host, "port", conf.Port)
		if err := http.ListenAndServe(fmt.Sprintf("%s:%d", conf.Host, conf.Port), a.router); err != nil {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, _ *http.Request) {
		httpWriteOK(w)
	})
	// health endpoints
	log.Infow("register handler", "endpoint", HealthLiveEndpoint, "method", "GET")
	a.router.Get(HealthLiveEndpoint, a.healthLive)
	log.Infow("register handler", "endpoint", HealthReadyEndpoint, "method", "GET")
	a.router.Get(HealthReadyEndpoint, a.healthReady)
	// relay endpoint
	log.Infow("register handler", "endpoint", RelayEndpoint, "method", "POST")
	a.router.Post(RelayEndpoint, a.relay)
	// transaction endpoints
	log.Infow("register handler", "endpoint", TransactionEndpoint, "method", "GET")
	a.router.Get(TransactionEndpoint, a.transaction)
	log.Infow("register handler", "endpoint", TransactionsByAddressEndpoint, "method", "GET", "parameters", "offset, limit")
	a.router.Get(TransactionsByAddressEndpoint, a.transactionsByAddress)
	// policy rule endpoints
	log.Infow("register handler", "endpoint", PoliciesEndpoint, "method", "GET")
	a.router.Get(PoliciesEndpoint, a.listPolicyRules)
	log.Infow("register handler", "endpoint", PoliciesEndpoint, "method", "POST")
	a.router.Post(PoliciesEndpoint, a.createPolicyRule)
	log.Infow("register handler", "endpoint", PolicyEndpoint, "method", "GET")
	a.router.Get(PolicyEndpoint, a.policyRule)
	log.Infow("register handler", "endpoint", PolicyEndpoint, "method", "PUT")
	a.router.Put(PolicyEndpoint, a.updatePolicyRule)
	log.Infow("register handler", "endpoint", PolicyEndpoint, "method", "DELETE")
	a.router.Delete(PolicyEndpoint, a.deletePolicyRule)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))
	a.router.Use(middleware.Timeout(45 * time.Second))

	a.registerHandlers()
}
