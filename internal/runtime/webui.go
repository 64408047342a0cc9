package runtime

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	"github.com/drblury/chainflow/transport"
)

// OperationLister is implemented by handler factories that can enumerate
// their operations, such as Registry.
type OperationLister interface {
	Operations() []OperationInfo
}

// TransportInfo is the /api/transport document.
type TransportInfo struct {
	PubSubSystem     string `json:"pubsub_system"`
	BatchTopic       string `json:"batch_topic,omitempty"`
	ResponseTopic    string `json:"response_topic"`
	ResponseEncoding string `json:"response_encoding"`
	PoisonQueue      string `json:"poison_queue,omitempty"`
	Ordering         bool   `json:"ordering"`
	Partitioning     bool   `json:"partitioning"`
	ReliableDelivery bool   `json:"reliable_delivery"`
	CompetingConsume bool   `json:"competing_consumers"`
	MaxMessageSize   int64  `json:"max_message_size,omitempty"`
}

// WebUIHandler serves the read-only introspection API:
//
//	GET /api/operations  registered operations
//	GET /api/stats       per-operation statistics
//	GET /api/responses   latest responses of batch consumers
//	GET /api/transport   transport and topic settings
//	GET /api/consumers   batch consumer counters
//	GET /api/runtime     process CPU, heap and goroutines
//	GET /api/dead-letters        dead letters of ?topic=, paged by ?limit= and ?offset=
//	GET /api/dead-letters/stats  dead letter counters
func (s *Service) WebUIHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)

	r.Get("/api/operations", s.handleGetOperations)
	r.Get("/api/stats", s.handleGetStats)
	r.Get("/api/responses", s.handleGetResponses)
	r.Get("/api/transport", s.handleGetTransport)
	r.Get("/api/consumers", s.handleGetConsumers)
	r.Get("/api/runtime", s.handleGetRuntime)
	r.Get("/api/dead-letters", s.handleGetDeadLetters)
	r.Get("/api/dead-letters/stats", s.handleGetDeadLetterStats)
	return r
}

func (s *Service) registerWebUI() {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()
	s.routerFor(s.Conf.WebUIPort).Mount("/", s.WebUIHandler())
}

func (s *Service) handleGetOperations(w http.ResponseWriter, _ *http.Request) {
	ops := []OperationInfo{}
	if lister, ok := s.processorDeps.Handlers.(OperationLister); ok {
		ops = lister.Operations()
	}
	s.writeJSON(w, ops)
}

func (s *Service) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.Stats().All())
}

func (s *Service) handleGetResponses(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.RecentResponses())
}

func (s *Service) handleGetTransport(w http.ResponseWriter, _ *http.Request) {
	caps := s.capabilities
	s.writeJSON(w, TransportInfo{
		PubSubSystem:     s.Conf.PubSubSystem,
		BatchTopic:       s.Conf.BatchTopic,
		ResponseTopic:    s.Conf.ResponseTopic,
		ResponseEncoding: s.Conf.ResponseEncoding,
		PoisonQueue:      s.Conf.PoisonQueue,
		Ordering:         caps.SupportsOrdering,
		Partitioning:     caps.SupportsPartitioning,
		ReliableDelivery: caps.ReliableDelivery(),
		CompetingConsume: caps.SupportsCompetingConsumers,
		MaxMessageSize:   caps.MaxMessageSize,
	})
}

func (s *Service) handleGetConsumers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.Consumers())
}

func (s *Service) handleGetRuntime(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.ProcessUsage())
}

func (s *Service) handleGetDeadLetters(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	messages, err := s.ListDeadLetters(query.Get("topic"), limit, max(offset, 0))
	switch {
	case errors.Is(err, ErrDeadLettersUnsupported):
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	case err != nil:
		s.Logger.Error("Failed to list dead letters", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []transport.DLQMessage{}
	}
	s.writeJSON(w, messages)
}

func (s *Service) handleGetDeadLetterStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.deadLetters.Snapshot())
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode web UI response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Service) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.Conf.WebUICORSAllowedOrigins) > 0 {
			if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
