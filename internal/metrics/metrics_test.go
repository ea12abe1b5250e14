package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequest(t *testing.T) {
	before := testutil.ToFloat64(Requests.WithLabelValues("GET", "418"))
	ObserveRequest("GET", 418)
	if got := testutil.ToFloat64(Requests.WithLabelValues("GET", "418")); got != before+1 {
		t.Errorf("Expected counter %v, got %v", before+1, got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	Frames.WithLabelValues("in", "heartbeat").Inc()
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "opschat_ws_frames_total") {
		t.Error("Expected frames counter in exposition")
	}
}
