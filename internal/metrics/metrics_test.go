package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.TrackChanged(1, true)
	m.ConnectAttempt(nil)
	m.Disconnected()
	m.Published(errors.New("x"))
	m.UpdateStage("firmware", nil)
	m.ObserveTick(time.Millisecond)
}

func TestTrackChanged(t *testing.T) {
	m := New()
	m.TrackChanged(4, true)
	m.TrackChanged(4, false)
	m.TrackChanged(4, true)

	if got := testutil.ToFloat64(m.trackTransitions.WithLabelValues("4", "occupied")); got != 2 {
		t.Errorf("occupied transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.trackOccupied.WithLabelValues("4")); got != 1 {
		t.Errorf("track_occupied = %v, want 1", got)
	}
}

func TestConnectAttempt(t *testing.T) {
	m := New()
	m.ConnectAttempt(errors.New("refused"))
	m.ConnectAttempt(nil)

	if got := testutil.ToFloat64(m.mqttAttempts.WithLabelValues(ResultError)); got != 1 {
		t.Errorf("error attempts = %v", got)
	}
	if got := testutil.ToFloat64(m.mqttConnected); got != 1 {
		t.Errorf("mqtt_connected = %v, want 1", got)
	}
	m.Disconnected()
	if got := testutil.ToFloat64(m.mqttConnected); got != 0 {
		t.Errorf("mqtt_connected = %v after disconnect", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.UpdateStage("firmware", nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	want := `yardnode_update_stages_total{result="success",stage="firmware"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("exposition missing %q", want)
	}
}
