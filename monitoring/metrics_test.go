package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	t.Run("records and exposes counters", func(t *testing.T) {
		metrics := NewMetrics()

		metrics.RecordDecision("category_hit_big", true)
		metrics.RecordDecision("no_rule", false)
		metrics.RecordSelection("weighted_random")
		metrics.RecordAttempt("main", "success", 250*time.Millisecond)
		metrics.RecordCooldown("quota")

		request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		recorder := httptest.NewRecorder()
		metrics.Handler().ServeHTTP(recorder, request)

		assert.Equal(t, http.StatusOK, recorder.Code)
		body := recorder.Body.String()
		assert.Contains(t, body, `relay_routing_decisions_total{applied="true",reason="category_hit_big"} 1`)
		assert.Contains(t, body, `relay_routing_decisions_total{applied="false",reason="no_rule"} 1`)
		assert.Contains(t, body, `relay_target_selections_total{pick="weighted_random"} 1`)
		assert.Contains(t, body, `relay_upstream_attempts_total{instance="main",outcome="success"} 1`)
		assert.Contains(t, body, `relay_cooldowns_recorded_total{class="quota"} 1`)
		assert.Contains(t, body, "relay_upstream_attempt_duration_seconds_bucket")
	})

	t.Run("nil metrics are inert", func(t *testing.T) {
		var metrics *Metrics

		metrics.RecordDecision("no_rule", false)
		metrics.RecordSelection("sticky")
		metrics.RecordAttempt("main", "success", time.Second)
		metrics.RecordCooldown("auth")
	})
}
