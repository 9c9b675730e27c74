package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"agencyflow/apperr"
)

func TestObserveTransition_Labels(t *testing.T) {
	before := testutil.ToFloat64(ContractTransitions.WithLabelValues("confirm", apperr.KindInvalidTransition))
	ObserveTransition("confirm", fmt.Errorf("wrapped: %w", apperr.ErrInvalidTransition))
	after := testutil.ToFloat64(ContractTransitions.WithLabelValues("confirm", apperr.KindInvalidTransition))
	if after-before != 1 {
		t.Fatalf("expected counter to increase by 1, got %v", after-before)
	}

	okBefore := testutil.ToFloat64(SettlementWrites.WithLabelValues("create", "ok"))
	ObserveSettlementWrite("create", nil)
	if got := testutil.ToFloat64(SettlementWrites.WithLabelValues("create", "ok")); got-okBefore != 1 {
		t.Fatalf("expected ok counter increase, got %v", got-okBefore)
	}

	internal := testutil.ToFloat64(SettlementWrites.WithLabelValues("delete", apperr.KindInternal))
	ObserveSettlementWrite("delete", errors.New("boom"))
	if got := testutil.ToFloat64(SettlementWrites.WithLabelValues("delete", apperr.KindInternal)); got-internal != 1 {
		t.Fatalf("expected internal counter increase, got %v", got-internal)
	}
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should be tolerated: %v", err)
	}
	ObserveAllocationWritten(100)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agencyflow_settlement_allocations_written_minor_units_total") {
		t.Fatalf("expected allocation counter in output")
	}
}

func TestObserveAllocationWritten(t *testing.T) {
	before := testutil.ToFloat64(AllocationsWritten)
	ObserveAllocationWritten(300)
	ObserveAllocationWritten(120)
	ObserveAllocationWritten(0)
	if got := testutil.ToFloat64(AllocationsWritten) - before; got != 420 {
		t.Fatalf("expected 420 written, got %v", got)
	}
}
