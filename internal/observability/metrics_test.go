package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/drtio/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordStatus("master", []string{"underflow"})
	RecordDispatch("master", 3)
	RecordDispatch("master", 0)
	RecordLinkPacket("master", "link0", "data", "tx")
	RecordLinkError("master", "link0", "frame")
	RecordLinkState("master", "link0", 3)
	RecordClockError("sat1", "selftest")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "drtio_link_packets_total") {
		t.Fatalf("metrics output missing link packets counter")
	}
	if !strings.Contains(body, `drtio_link_state{link="link0",node="master"} 3`) {
		t.Fatalf("metrics output missing link state gauge")
	}
}
