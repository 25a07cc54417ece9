package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	TransactionsTotal.WithLabelValues("grant").Inc()
	MirrorAttempts.WithLabelValues("kafka", "confirmed").Inc()

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{
		`ledger_transactions_total{kind="grant"}`,
		`mirror_attempts_total{network="kafka",result="confirmed"}`,
		"ledger_sweep_runs_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition lacks %s", want)
		}
	}
}
