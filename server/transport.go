package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/cliproxy/relay"
	"github.com/cliproxy/relay/proxy"
	"github.com/cliproxy/relay/utils"
)

const messagesPath = "/v1/messages"

// Headers never forwarded upstream. The relay's own credentials must not
// leak, and the upstream credential is set per provider pool.
var strippedHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Host",
	"Content-Length",
}

// HttpTransport dispatches one attempt against a concrete instance over
// HTTP, rewriting the body for the target on the way out.
type HttpTransport struct {
	client *http.Client
	logger *zap.SugaredLogger

	// Round-robin cursor per provider pool, keyed by instance::provider.
	rotation   map[string]int
	rotationMu sync.Mutex
}

func NewHttpTransport(timeout time.Duration, logger *zap.SugaredLogger) *HttpTransport {
	return &HttpTransport{
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		rotation: make(map[string]int),
	}
}

func (t *HttpTransport) Do(
	ctx context.Context,
	instance *relay.Instance,
	target *relay.RoutingTarget,
	request *proxy.Request,
) (*proxy.Result, error) {
	body, err := rewriteBody(request.Body, target)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite request body: %v", err)
	}

	provider, _ := instance.Provider(target.Provider)
	url := upstreamUrl(instance, provider)

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	copyHeaders(httpRequest.Header, request.Header)
	httpRequest.Header.Set("Content-Type", "application/json")
	t.setCredential(httpRequest, instance, target, provider)
	applyParamHeaders(httpRequest, target.Params)

	response, err := t.client.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %v", err)
	}

	return &proxy.Result{
		StatusCode: response.StatusCode,
		Header:     response.Header.Clone(),
		Body:       responseBody,
	}, nil
}

func upstreamUrl(instance *relay.Instance, provider *relay.Provider) string {
	base := instance.Address
	if provider != nil && provider.BaseUrl != "" {
		base = provider.BaseUrl
	}
	return strings.TrimSuffix(base, "/") + messagesPath
}

func copyHeaders(into http.Header, from http.Header) {
	for name, values := range from {
		if stripped(name) {
			continue
		}
		for _, value := range values {
			into.Add(name, value)
		}
	}
}

func stripped(name string) bool {
	for _, blocked := range strippedHeaders {
		if strings.EqualFold(name, blocked) {
			return true
		}
	}
	return false
}

func (t *HttpTransport) setCredential(
	httpRequest *http.Request,
	instance *relay.Instance,
	target *relay.RoutingTarget,
	provider *relay.Provider,
) {
	if provider == nil || len(provider.ApiKeyEnvs) == 0 {
		return
	}

	apiKey := os.Getenv(t.nextKeyEnv(instance, target, provider))
	if apiKey == "" {
		t.logger.Warnw("Provider pool has no usable API key",
			"instance", instance.Name, "provider", target.Provider)
		return
	}

	if target.Provider == relay.ProviderAnthropic {
		httpRequest.Header.Set("x-api-key", apiKey)
		return
	}
	httpRequest.Header.Set("Authorization", "Bearer "+apiKey)
}

func (t *HttpTransport) nextKeyEnv(
	instance *relay.Instance, target *relay.RoutingTarget, provider *relay.Provider,
) string {
	if provider.Rotation != "round_robin" || len(provider.ApiKeyEnvs) == 1 {
		return provider.ApiKeyEnvs[0]
	}

	key := fmt.Sprintf("%s::%s", instance.Name, target.Provider)
	t.rotationMu.Lock()
	cursor := t.rotation[key]
	t.rotation[key] = cursor + 1
	t.rotationMu.Unlock()
	return provider.ApiKeyEnvs[cursor%len(provider.ApiKeyEnvs)]
}

func applyParamHeaders(httpRequest *http.Request, params *relay.TargetParams) {
	if params == nil {
		return
	}
	if params.AnthropicBeta != "" {
		httpRequest.Header.Set("anthropic-beta", params.AnthropicBeta)
	}
	for name, value := range params.ExtraHeaders {
		httpRequest.Header.Set(name, value)
	}
}

// rewriteBody swaps the logical model for the target's upstream model and
// applies the target's shaping params. Unknown fields pass through intact.
func rewriteBody(raw []byte, target *relay.RoutingTarget) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}

	body["model"] = target.Model
	applyParams(body, target.Params)

	return json.Marshal(body)
}

func applyParams(body map[string]any, params *relay.TargetParams) {
	if params == nil {
		return
	}

	if maxTokens, ok := numberField(body, "max_tokens"); ok {
		body["max_tokens"] = utils.ClampPositive(maxTokens, params.MaxTokensMax)
	} else if params.MaxTokensDefault > 0 {
		body["max_tokens"] = params.MaxTokensDefault
	}

	if params.ReasoningEffort != "" {
		body["reasoning_effort"] = params.ReasoningEffort
	}

	thinking, ok := body["thinking"].(map[string]any)
	if !ok {
		return
	}
	if params.ThinkingLevel != "" {
		thinking["level"] = params.ThinkingLevel
	}
	if budget, ok := numberField(thinking, "budget_tokens"); ok {
		thinking["budget_tokens"] = utils.ClampPositive(budget, params.ThinkingBudgetMax)
	}
}

func numberField(body map[string]any, name string) (int, bool) {
	value, exists := body[name]
	if !exists {
		return 0, false
	}
	switch number := value.(type) {
	case float64:
		return int(number), true
	case int:
		return number, true
	case int64:
		return int(number), true
	}
	return 0, false
}
