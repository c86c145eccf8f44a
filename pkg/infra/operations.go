package infra

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// ReadinessChecker reports whether the chaincode is ready for transactions.
type ReadinessChecker interface {
	Ready() bool
}

type LogSpec struct {
	Spec string `json:"spec,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthStatus struct {
	Status string `json:"status"`
}

// OperationsServer exposes metrics, readiness and the log level over HTTP.
type OperationsServer struct {
	addr     string
	router   *mux.Router
	server   *http.Server
	listener net.Listener
	health   ReadinessChecker
	logger   *log.Logger
}

func NewOperationsServer(addr string, gatherer prom.Gatherer, health ReadinessChecker, logger *log.Logger) *OperationsServer {
	s := &OperationsServer{
		addr:   addr,
		router: mux.NewRouter(),
		health: health,
		logger: logger,
	}

	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	s.router.HandleFunc("/logspec", s.getLogSpec).Methods(http.MethodGet)
	s.router.HandleFunc("/logspec", s.setLogSpec).Methods(http.MethodPut)

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *OperationsServer) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *OperationsServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Operations server stopped: %s", err)
		}
	}()
	s.logger.Infof("Operations server listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address once started.
func (s *OperationsServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *OperationsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *OperationsServer) healthz(resp http.ResponseWriter, req *http.Request) {
	if s.health == nil || !s.health.Ready() {
		s.sendResponse(resp, http.StatusServiceUnavailable, &HealthStatus{Status: "Service Unavailable"})
		return
	}
	s.sendResponse(resp, http.StatusOK, &HealthStatus{Status: "OK"})
}

func (s *OperationsServer) getLogSpec(resp http.ResponseWriter, req *http.Request) {
	s.sendResponse(resp, http.StatusOK, &LogSpec{Spec: s.logger.GetLevel().String()})
}

func (s *OperationsServer) setLogSpec(resp http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	var logSpec LogSpec
	if err := json.NewDecoder(req.Body).Decode(&logSpec); err != nil {
		s.sendResponse(resp, http.StatusBadRequest, err)
		return
	}

	level, err := log.ParseLevel(logSpec.Spec)
	if err != nil {
		s.sendResponse(resp, http.StatusBadRequest, err)
		return
	}
	s.logger.SetLevel(level)
	resp.WriteHeader(http.StatusNoContent)
}

func (s *OperationsServer) sendResponse(resp http.ResponseWriter, code int, payload interface{}) {
	if err, ok := payload.(error); ok {
		payload = &ErrorResponse{Error: err.Error()}
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)

	if err := json.NewEncoder(resp).Encode(payload); err != nil {
		s.logger.Errorf("failed to encode payload: %s", err)
	}
}
