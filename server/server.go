package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cliproxy/relay/balancer"
	"github.com/cliproxy/relay/config"
	"github.com/cliproxy/relay/monitoring"
	"github.com/cliproxy/relay/proxy"
	"github.com/cliproxy/relay/routing"
	"github.com/cliproxy/relay/state"
	"github.com/cliproxy/relay/utils/array"
)

// Headers announcing the routing outcome to the caller.
const (
	decisionIdHeader     = "x-relay-decision-id"
	resolvedModelHeader  = "x-relay-resolved-model"
	decisionReasonHeader = "x-relay-decision-reason"
)

// RelayServer fronts the routing core over HTTP. It owns no policy itself:
// every request reads the active config snapshot and runs against it, so a
// reload mid-flight never mixes generations.
type RelayServer struct {
	store     *config.Store
	cooldowns state.Manager
	selector  *balancer.Selector
	transport proxy.Transport
	health    *routing.HealthTracker
	sticky    *StickySessions
	metrics   *monitoring.Metrics
	apiKey    string
	logger    *zap.SugaredLogger

	// Resolver and coordinator derived from the active snapshot, rebuilt
	// lazily when a reload swaps it.
	generationMu sync.Mutex
	current      *generation
}

type generation struct {
	snapshot    *config.Snapshot
	resolver    *routing.Resolver
	coordinator *proxy.Coordinator
}

type Options struct {
	Store     *config.Store
	Cooldowns state.Manager
	Transport proxy.Transport
	Health    *routing.HealthTracker
	Metrics   *monitoring.Metrics
	ApiKey    string
	Logger    *zap.SugaredLogger
}

func NewRelayServer(options Options) *RelayServer {
	snapshot := options.Store.Snapshot()
	return &RelayServer{
		store:     options.Store,
		cooldowns: options.Cooldowns,
		selector:  balancer.NewSelector(options.Cooldowns, options.Logger),
		transport: options.Transport,
		health:    options.Health,
		sticky:    NewStickySessions(snapshot.StickyTtl, snapshot.StickySessions),
		metrics:   options.Metrics,
		apiKey:    options.ApiKey,
		logger:    options.Logger,
	}
}

// RegisterHandlers mounts the API on the router.
func (s *RelayServer) RegisterHandlers(router *mux.Router) {
	router.HandleFunc("/v1/messages", s.HandleAuthentication(s.HandleMessages)).Methods(http.MethodPost)
	router.HandleFunc("/v1/models", s.HandleAuthentication(s.HandleModels)).Methods(http.MethodGet)
	router.HandleFunc("/health", s.HandleHealthCheck).Methods(http.MethodGet)
}

func (s *RelayServer) HandleAuthentication(handler http.HandlerFunc) http.HandlerFunc {
	return func(httpResponse http.ResponseWriter, httpRequest *http.Request) {
		if s.apiKey == "" {
			handler(httpResponse, httpRequest)
			return
		}

		headerSplit := strings.Split(httpRequest.Header.Get("Authorization"), " ")
		if len(headerSplit) != 2 ||
			strings.ToLower(headerSplit[0]) != "bearer" ||
			headerSplit[1] != s.apiKey {
			writeError(httpResponse, http.StatusUnauthorized, "authentication_error", "Invalid API key")
			return
		}

		handler(httpResponse, httpRequest)
	}
}

func (s *RelayServer) HandleMessages(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	defer httpRequest.Body.Close()

	bodyBytes, err := io.ReadAll(httpRequest.Body)
	if err != nil {
		s.logger.Warnw("Failed to read request body", "error", err)
		writeError(httpResponse, http.StatusBadRequest, "invalid_request_error", "Invalid request body")
		return
	}

	var chatRequest routing.ChatRequest
	if err := json.Unmarshal(bodyBytes, &chatRequest); err != nil {
		s.logger.Warnw("Invalid request body", "error", err)
		writeError(httpResponse, http.StatusBadRequest, "invalid_request_error", "Invalid request body")
		return
	}
	if chatRequest.Model == "" {
		writeError(httpResponse, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(chatRequest.Messages) == 0 {
		writeError(httpResponse, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	generation := s.generation()
	snapshot := generation.snapshot

	hash := sessionHash(userId(&chatRequest), httpRequest.Header)
	factors := routing.BuildFactors(&chatRequest)
	factors.SessionHash = hash
	if s.health != nil {
		factors.FailureStreak, factors.SuccessStreak = s.health.Streaks(hash, chatRequest.Model)
	}

	decision := generation.resolver.Resolve(snapshot.Table, factors)
	s.metrics.RecordDecision(decision.Reason, decision.Applied)

	request := &proxy.Request{
		Body:            bodyBytes,
		Header:          httpRequest.Header,
		HasSignature:    factors.HasThinkingSignature,
		Stream:          chatRequest.Stream,
		PreferredTarget: s.preferredTarget(snapshot, decision, factors),
	}

	result, err := generation.coordinator.Dispatch(httpRequest.Context(), snapshot.Table, decision, request)
	if err != nil {
		if snapshot.StickyEnabled {
			s.sticky.Forget(hash, decision.ResolvedModel)
		}
		s.writeDispatchError(httpResponse, decision, err)
		return
	}

	if snapshot.StickyEnabled && result.StatusCode < 300 {
		s.sticky.Pin(hash, decision.ResolvedModel, result.Target)
	}

	writeResult(httpResponse, decision, result)
}

// preferredTarget pins the dispatch when the session is sticky or resumes a
// thinking signature. Signature sessions without a pin lock onto the
// model's primary target so the signature stays verifiable.
func (s *RelayServer) preferredTarget(
	snapshot *config.Snapshot, decision *routing.Decision, factors *routing.Factors,
) string {
	if snapshot.StickyEnabled {
		if pinned, ok := s.sticky.Lookup(factors.SessionHash, decision.ResolvedModel); ok {
			return pinned
		}
	}

	if factors.HasThinkingSignature {
		primary, err := s.selector.PickPrimary(snapshot.Table, decision.ResolvedModel)
		if err == nil {
			return primary.Key()
		}
	}
	return ""
}

func (s *RelayServer) HandleModels(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	snapshot := s.store.Snapshot()

	type modelEntry struct {
		Id   string `json:"id"`
		Type string `json:"type"`
	}
	entries := array.Map(snapshot.Table.Models(), func(model string) modelEntry {
		return modelEntry{Id: model, Type: "model"}
	})

	httpResponse.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(httpResponse).Encode(map[string]any{"data": entries}); err != nil {
		s.logger.Errorw("Failed to encode models response", "error", err)
	}
}

func (s *RelayServer) HandleHealthCheck(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	httpResponse.Header().Set("Content-Type", "application/json")
	httpResponse.Write([]byte(`{"status":"ok"}`))
}

func (s *RelayServer) generation() *generation {
	snapshot := s.store.Snapshot()

	s.generationMu.Lock()
	defer s.generationMu.Unlock()

	if s.current != nil && s.current.snapshot == snapshot {
		return s.current
	}

	s.current = &generation{
		snapshot: snapshot,
		resolver: routing.NewResolver(
			snapshot.Router, routing.NewUpgradePolicy(snapshot.Upgrade), s.logger),
		coordinator: proxy.NewCoordinator(proxy.CoordinatorOptions{
			Cooldowns:        s.cooldowns,
			Durations:        snapshot.Durations,
			Selector:         s.selector,
			Transport:        s.transport,
			Health:           s.health,
			Metrics:          s.metrics,
			Logger:           s.logger,
			MaxTargetRetries: snapshot.MaxTargetRetries,
			RetryAuthOn5xx:   snapshot.RetryAuthOn5xx,
		}),
	}
	return s.current
}

func userId(request *routing.ChatRequest) string {
	if request.Metadata == nil {
		return ""
	}
	return request.Metadata.UserId
}

func (s *RelayServer) writeDispatchError(
	httpResponse http.ResponseWriter, decision *routing.Decision, err error,
) {
	var exhausted *proxy.ExhaustedError
	switch {
	case errors.Is(err, balancer.ErrUnknownModel):
		writeError(httpResponse, http.StatusNotFound, "not_found_error",
			"model "+decision.ResolvedModel+" has no routing targets")
	case errors.Is(err, balancer.ErrNoViableTarget):
		writeError(httpResponse, http.StatusServiceUnavailable, "overloaded_error",
			"all targets for model "+decision.ResolvedModel+" are unavailable")
	case errors.As(err, &exhausted):
		s.logger.Warnw("Upstream exhausted", "decision_id", decision.Id, "error", err)
		writeError(httpResponse, exhaustedStatus(exhausted), "api_error", exhausted.Error())
	default:
		s.logger.Errorw("Dispatch failed", "decision_id", decision.Id, "error", err)
		writeError(httpResponse, http.StatusInternalServerError, "api_error", "Internal server error")
	}
}

// exhaustedStatus surfaces the last upstream status when there is one, so
// the caller sees the real failure mode instead of a generic 502.
func exhaustedStatus(exhausted *proxy.ExhaustedError) int {
	for i := len(exhausted.Attempts) - 1; i >= 0; i-- {
		if status := exhausted.Attempts[i].StatusCode; status != 0 {
			return status
		}
	}
	return http.StatusBadGateway
}

func writeResult(httpResponse http.ResponseWriter, decision *routing.Decision, result *proxy.Result) {
	header := httpResponse.Header()
	if contentType := result.Header.Get("Content-Type"); contentType != "" {
		header.Set("Content-Type", contentType)
	} else {
		header.Set("Content-Type", "application/json")
	}
	header.Set(decisionIdHeader, decision.Id)
	header.Set(resolvedModelHeader, decision.ResolvedModel)
	header.Set(decisionReasonHeader, decision.Reason)

	httpResponse.WriteHeader(result.StatusCode)
	httpResponse.Write(result.Body)
}

func writeError(httpResponse http.ResponseWriter, status int, errorType string, message string) {
	httpResponse.Header().Set("Content-Type", "application/json")
	httpResponse.WriteHeader(status)
	json.NewEncoder(httpResponse).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errorType,
			"message": message,
		},
	})
}
