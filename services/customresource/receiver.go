package customresource

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Delivery is one response captured by a Receiver.
type Delivery struct {
	Path        string
	ContentType []string
	Response    Response
}

// Receiver is a local stand-in for the orchestrator's callback endpoint. It accepts
// PUT requests on any path and keeps the decoded responses.
type Receiver struct {
	logger zerolog.Logger

	mu         sync.Mutex
	deliveries []Delivery

	server   *http.Server
	listener net.Listener
}

// NewReceiver creates an unstarted Receiver.
func NewReceiver(logger zerolog.Logger) *Receiver {
	return &Receiver{logger: logger}
}

// Routes returns the receiver's HTTP handler.
func (rc *Receiver) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Put("/*", rc.handlePut)
	return r
}

func (rc *Receiver) handlePut(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var resp Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		rc.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("undecodable response")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	contentType := r.Header["Content-Type"]
	rc.mu.Lock()
	rc.deliveries = append(rc.deliveries, Delivery{
		Path:        r.URL.Path,
		ContentType: append([]string(nil), contentType...),
		Response:    resp,
	})
	rc.mu.Unlock()

	rc.logger.Info().
		Str("status", string(resp.Status)).
		Str("reason", resp.Reason).
		Str("physical_resource_id", resp.PhysicalResourceID).
		Msg("response received")
	w.WriteHeader(http.StatusOK)
}

// Start listens on addr (use 127.0.0.1:0 for an ephemeral port) and returns the base URL.
func (rc *Receiver) Start(addr string) (string, error) {
	if rc.server != nil {
		return "", errors.New("receiver already started")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	rc.listener = ln
	rc.server = &http.Server{
		Handler:           rc.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := rc.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rc.logger.Error().Err(err).Msg("receiver stopped")
		}
	}()
	return "http://" + ln.Addr().String(), nil
}

// Close stops the server if it was started.
func (rc *Receiver) Close(ctx context.Context) error {
	if rc.server == nil {
		return nil
	}
	return rc.server.Shutdown(ctx)
}

// Deliveries returns a copy of everything received so far.
func (rc *Receiver) Deliveries() []Delivery {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]Delivery(nil), rc.deliveries...)
}
