// Package restapi hosts the HTTP surface that higher control layers use to
// command relays and read back sensor/relay state, and the broker
// subscriber that feeds its Sensor Cache.
package restapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/agriha/controld/internal/broker"
	"github.com/agriha/controld/internal/logging"
)

// gateController is the minimal surface this package needs from the
// Command Gate.
type gateController interface {
	Gate(channel int, on bool) bool
	IsLocked() bool
	Remaining() time.Duration
	Clear() bool
}

// stateReader is the minimal surface needed for a fresh physical relay
// state read, independent of the gate's write path.
type stateReader interface {
	GetMask() (byte, error)
}

// Controller is the unified REST server: one HTTP listener serving the
// four command/status endpoints plus a liveness probe, backed by a Sensor
// Cache populated from its own broker subscription.
type Controller struct {
	gate   gateController
	state  stateReader
	pub    broker.Publisher
	sub    broker.Subscriber
	house  string
	apiKey string

	startedAt time.Time
	hwReady   func() bool

	cache *sensorCache
	srv   *http.Server
}

// New constructs a Controller. hwReady reports whether the relay driver
// opened successfully at boot; it backs the /healthz hardware check.
func New(gate gateController, state stateReader, pub broker.Publisher, sub broker.Subscriber, house, apiKey string, hwReady func() bool) *Controller {
	return &Controller{
		gate:      gate,
		state:     state,
		pub:       pub,
		sub:       sub,
		house:     house,
		apiKey:    apiKey,
		startedAt: time.Now(),
		hwReady:   hwReady,
		cache:     newSensorCache(),
	}
}

// Run subscribes the Sensor Cache to its four topics, starts the HTTP
// listener on addr, and blocks until ctx is cancelled, then shuts the
// server down gracefully.
func (c *Controller) Run(ctx context.Context, addr string) error {
	if err := c.subscribeCache(); err != nil {
		return fmt.Errorf("restapi: subscribe sensor cache: %w", err)
	}

	c.srv = &http.Server{
		Addr:    addr,
		Handler: c.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("restapi: listening on %s", addr)
		if err := c.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.srv.Shutdown(shutdownCtx); err != nil {
			logging.Errorf("restapi: shutdown: %v", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// subscribeCache wires the Sensor Cache's broker subscription per §4.9:
// every sensor, CCM, relay-state, and weather topic for this house.
func (c *Controller) subscribeCache() error {
	topics := []string{
		fmt.Sprintf("agriha/%s/sensor/#", c.house),
		fmt.Sprintf("agriha/%s/ccm/#", c.house),
		fmt.Sprintf("agriha/%s/relay/state", c.house),
		"agriha/farm/weather/misol",
	}
	for _, topic := range topics {
		token := c.sub.Subscribe(topic, 0, c.cache.update)
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
	}
	return nil
}

func (c *Controller) router() *mux.Router {
	router := mux.NewRouter()
	router.Use(c.apiKeyMiddleware)

	router.HandleFunc("/api/relay/{ch}", c.handleRelaySet).Methods(http.MethodPost)
	router.HandleFunc("/api/sensors", c.handleSensors).Methods(http.MethodGet)
	router.HandleFunc("/api/status", c.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/emergency/clear", c.handleEmergencyClear).Methods(http.MethodPost)
	router.HandleFunc("/healthz", c.handleHealthz).Methods(http.MethodGet)

	return router
}

// apiKeyMiddleware enforces the X-API-Key header whenever a key is
// configured. The comparison is constant-time so response latency does
// not leak how many leading bytes matched.
func (c *Controller) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(c.apiKey)) != 1 {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":   "unauthorized",
				"message": "missing or invalid X-API-Key",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("restapi: encode response: %v", err)
	}
}

// sensorCache is a topic->payload map protected by a lock; readers take
// the lock, deep-copy, and release, per §4.9.
type sensorCache struct {
	mu        sync.Mutex
	byTopic   map[string]json.RawMessage
	updatedAt time.Time
}

func newSensorCache() *sensorCache {
	return &sensorCache{byTopic: make(map[string]json.RawMessage)}
}

func (c *sensorCache) update(topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTopic[topic] = append(json.RawMessage(nil), payload...)
	c.updatedAt = time.Now()
}

// snapshot returns a deep copy of the cache plus the last-updated time.
// A zero updatedAt means no message has ever arrived.
func (c *sensorCache) snapshot() (map[string]json.RawMessage, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]json.RawMessage, len(c.byTopic))
	for k, v := range c.byTopic {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, c.updatedAt
}
