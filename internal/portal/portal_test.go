package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hsc-engineering/yardnode/internal/config"
	"github.com/hsc-engineering/yardnode/internal/connwatch"
	"github.com/hsc-engineering/yardnode/internal/device"
	"github.com/hsc-engineering/yardnode/internal/events"
	"github.com/hsc-engineering/yardnode/internal/identity"
	"github.com/hsc-engineering/yardnode/internal/mqtt"
	"github.com/hsc-engineering/yardnode/internal/netsup"
	"github.com/hsc-engineering/yardnode/internal/settings"
	"github.com/hsc-engineering/yardnode/internal/trackwindow"
)

type fakeDevice struct {
	mu       sync.Mutex
	snap     device.Snapshot
	saveErr  error
	saved    []settings.Patch
	resets   int
	restarts int
	locate   []bool
	updates  int
}

func (d *fakeDevice) Snapshot(ctx context.Context) (device.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap, nil
}

func (d *fakeDevice) SaveSettings(ctx context.Context, p settings.Patch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.saveErr != nil {
		return d.saveErr
	}
	d.saved = append(d.saved, p)
	return nil
}

func (d *fakeDevice) ResetSettings(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

func (d *fakeDevice) Restart(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts++
	return nil
}

func (d *fakeDevice) SetLocate(ctx context.Context, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locate = append(d.locate, on)
	return nil
}

func (d *fakeDevice) RequestUpdate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates++
	return nil
}

type mapPages map[string]string

func (m mapPages) ReadFile(name string) ([]byte, error) {
	b, ok := m[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(b), nil
}

func testSnapshot() device.Snapshot {
	return device.Snapshot{
		Config: settings.Config{
			WiFiSSID:     "LocoNet",
			WiFiPassword: "MyTrainRoom",
			MQTTServer:   "mqtt.internal",
			MQTTPort:     1883,
			BoardID:      7,
			Location:     "East <yard>",
		},
		Identity:    identity.Identity{DeviceID: "hsc-AABBCCDDEEFF", Hostname: "hsc-DDEEFF"},
		Board:       config.BoardConfig{TypeDesc: "HSC Yard Detector", TypeShort: "YARD"},
		Firmware:    "0.2.0",
		Network:     netsup.Connected,
		SSID:        "LocoNet",
		IP:          "10.0.0.7",
		RSSI:        -58,
		MQTT:        mqtt.Connected,
		ClockSynced: true,
		Now:         time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Watches: map[string]connwatch.Status{
			"timesync": {Name: "timesync", Ready: true, LastCheck: time.Date(2026, 3, 4, 5, 0, 0, 0, time.UTC)},
		},
		Uptime:      3*time.Hour + 4*time.Minute + 5*time.Second,

		FreeMemory:      150 * 1024,
		FreeMemoryKnown: true,
	}
}

func newTestServer(t *testing.T, dev *fakeDevice, pages Pages) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Options{
		Device:     dev,
		Pages:      pages,
		Bus:        events.New(),
		APSSID:     "HSC-Setup",
		APPassword: "password",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	json.Unmarshal(raw, &out)
	return resp, out
}

func TestGetSettings(t *testing.T) {
	dev := &fakeDevice{snap: testSnapshot()}
	_, srv := newTestServer(t, dev, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/settings", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["wifi_password"] != "MyTrainRoom" || body["board_id"] != float64(7) {
		t.Errorf("settings = %v", body)
	}
}

func TestSaveSettings(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		saveErr    error
		wantStatus int
		wantSaved  int
	}{
		{"partial update", `{"location":"West"}`, nil, http.StatusOK, 1},
		{"malformed", `{"location":`, nil, http.StatusBadRequest, 0},
		{"bad port", `{"mqtt_port":70000}`, nil, http.StatusBadRequest, 0},
		{"store failure", `{"board_id":3}`, errors.New("disk full"), http.StatusInternalServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{snap: testSnapshot(), saveErr: tt.saveErr}
			_, srv := newTestServer(t, dev, nil)

			resp, body := do(t, http.MethodPost, srv.URL+"/api/settings", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (%v)", resp.StatusCode, tt.wantStatus, body)
			}
			if len(dev.saved) != tt.wantSaved {
				t.Errorf("saved %d patches, want %d", len(dev.saved), tt.wantSaved)
			}
			wantStatus := "success"
			if tt.wantStatus != http.StatusOK {
				wantStatus = "error"
			}
			if body["status"] != wantStatus {
				t.Errorf("body status = %v, want %s", body["status"], wantStatus)
			}
		})
	}
}

func TestSaveSettings_PatchContents(t *testing.T) {
	dev := &fakeDevice{snap: testSnapshot()}
	_, srv := newTestServer(t, dev, nil)

	do(t, http.MethodPost, srv.URL+"/api/settings", `{"board_id":12,"mqtt_server":"broker.lan"}`)
	if len(dev.saved) != 1 {
		t.Fatalf("saved = %d", len(dev.saved))
	}
	p := dev.saved[0]
	if p.BoardID == nil || *p.BoardID != 12 || p.MQTTServer == nil || *p.MQTTServer != "broker.lan" {
		t.Errorf("patch = %+v", p)
	}
	if p.WiFiSSID != nil || p.Location != nil {
		t.Error("unspecified fields set in patch")
	}
}

func TestActions(t *testing.T) {
	dev := &fakeDevice{snap: testSnapshot()}
	_, srv := newTestServer(t, dev, nil)

	for _, path := range []string{"/api/reset", "/api/restart", "/api/update"} {
		resp, body := do(t, http.MethodPost, srv.URL+path, "")
		if resp.StatusCode != http.StatusOK || body["status"] != "success" {
			t.Errorf("POST %s = %d %v", path, resp.StatusCode, body)
		}
	}
	if dev.resets != 1 || dev.restarts != 1 || dev.updates != 1 {
		t.Errorf("resets=%d restarts=%d updates=%d", dev.resets, dev.restarts, dev.updates)
	}

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/restart", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/restart = %d, want 405", resp.StatusCode)
	}
}

func TestLocate(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		form       string
		wantStatus int
		want       []bool
	}{
		{"true", "?state=true", "", http.StatusOK, []bool{true}},
		{"one", "?state=1", "", http.StatusOK, []bool{true}},
		{"false", "?state=false", "", http.StatusOK, []bool{false}},
		{"anything else", "?state=on", "", http.StatusOK, []bool{false}},
		{"form value", "", "state=1", http.StatusOK, []bool{true}},
		{"missing", "", "", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{snap: testSnapshot()}
			_, srv := newTestServer(t, dev, nil)

			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/locate"+tt.query, strings.NewReader(tt.form))
			if tt.form != "" {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if len(dev.locate) != len(tt.want) {
				t.Fatalf("locate calls = %v, want %v", dev.locate, tt.want)
			}
			for i := range tt.want {
				if dev.locate[i] != tt.want[i] {
					t.Errorf("locate[%d] = %v, want %v", i, dev.locate[i], tt.want[i])
				}
			}
		})
	}
}

func TestFirmwareCheck(t *testing.T) {
	release := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fw/yard-YARD.json":
			w.Write([]byte(`{"version":"0.3.0","notes":"Faster debounce"}`))
		case "/bad/yard-YARD.json":
			w.Write([]byte(`not json`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer release.Close()

	tests := []struct {
		name       string
		updateURL  string
		wantStatus int
		wantMsg    string
	}{
		{"available", release.URL + "/fw/yard-%BOARD_TYPE%.bin", http.StatusOK, ""},
		{"no url", "", http.StatusBadRequest, "No update URL configured"},
		{"invalid json", release.URL + "/bad/yard-%BOARD_TYPE%.bin", http.StatusBadGateway, "Invalid JSON from server"},
		{"missing", release.URL + "/none/yard-%BOARD_TYPE%.bin", http.StatusBadGateway, "Failed to fetch update metadata"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := testSnapshot()
			snap.Config.UpdateURL = tt.updateURL
			dev := &fakeDevice{snap: snap}
			s, srv := newTestServer(t, dev, nil)
			s.opts.UpdateClient = release.Client()

			resp, body := do(t, http.MethodGet, srv.URL+"/api/firmware/check", "")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantMsg != "" {
				if body["message"] != tt.wantMsg {
					t.Errorf("message = %v, want %q", body["message"], tt.wantMsg)
				}
				return
			}
			if body["current_version"] != "0.2.0" || body["remote_version"] != "0.3.0" || body["update_available"] != true {
				t.Errorf("check = %v", body)
			}
			if body["notes"] != "Faster debounce" {
				t.Errorf("notes = %v", body["notes"])
			}
		})
	}
}

func TestStatus(t *testing.T) {
	dev := &fakeDevice{snap: testSnapshot()}
	_, srv := newTestServer(t, dev, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	want := map[string]any{
		"uptime":      "3h 04m 05s",
		"rssi":        "-58 dBm",
		"free_memory": "150.0 KB",
		"runtime":     "03-04-26 05:06:07",
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}
	watches, _ := body["watches"].(map[string]any)
	ts, _ := watches["timesync"].(map[string]any)
	if ts["ready"] != true || ts["name"] != "timesync" {
		t.Errorf("watches = %v", body["watches"])
	}
}

func TestStatus_Disconnected(t *testing.T) {
	snap := testSnapshot()
	snap.Network = netsup.APFallback
	snap.ClockSynced = false
	snap.FreeMemoryKnown = false
	snap.Watches = nil
	dev := &fakeDevice{snap: snap}
	_, srv := newTestServer(t, dev, nil)

	_, body := do(t, http.MethodGet, srv.URL+"/api/status", "")
	if body["rssi"] != "N/A" || body["runtime"] != "Not synced" || body["free_memory"] != "N/A" {
		t.Errorf("status = %v", body)
	}
	if w, ok := body["watches"].(map[string]any); !ok || len(w) != 0 {
		t.Errorf("watches = %v, want empty object", body["watches"])
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0m 00s"},
		{65 * time.Second, "1m 05s"},
		{time.Hour + 2*time.Second, "1h 00m 02s"},
		{26*time.Hour + 3*time.Minute + 59*time.Second, "1d 02h 03m"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestIndexTemplate(t *testing.T) {
	dev := &fakeDevice{snap: testSnapshot()}
	_, srv := newTestServer(t, dev, nil)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	page, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"hsc-DDEEFF", "10.0.0.7", "0.2.0 (YARD)", "East &lt;yard&gt;", "Connected"} {
		if !bytes.Contains(page, []byte(want)) {
			t.Errorf("index missing %q", want)
		}
	}
	if bytes.Contains(page, []byte("%HOSTNAME%")) {
		t.Error("placeholder left unexpanded")
	}
}

func TestExpand_MQTTStatus(t *testing.T) {
	tests := []struct {
		name    string
		boardID int
		state   mqtt.State
		want    string
	}{
		{"unconfigured", 0, mqtt.Connected, "Unconfigured"},
		{"connected", 4, mqtt.Connected, "Connected"},
		{"disconnected", 4, mqtt.Connecting, "Disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := testSnapshot()
			snap.Config.BoardID = tt.boardID
			snap.MQTT = tt.state
			got := string(expand([]byte("[%MQTT_STATUS%][%NOPE%]"), snap))
			if want := "[" + tt.want + "][]"; got != want {
				t.Errorf("expand = %q, want %q", got, want)
			}
		})
	}
}

func TestFilesystemPages(t *testing.T) {
	dev := &fakeDevice{snap: testSnapshot()}
	pages := mapPages{
		"device.html": "<p>Board %CAN_ID% at %LOCATION%</p>",
		"favicon.ico": "ICO",
	}
	_, srv := newTestServer(t, dev, pages)

	resp, err := http.Get(srv.URL + "/device")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "<p>Board 7 at East &lt;yard&gt;</p>" {
		t.Errorf("/device = %d %q", resp.StatusCode, body)
	}

	resp, _ = http.Get(srv.URL + "/firmware")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/firmware = %d, want 404", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/favicon.ico")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/x-icon" {
		t.Errorf("/favicon.ico = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestNoPageFilesystem(t *testing.T) {
	_, srv := newTestServer(t, &fakeDevice{snap: testSnapshot()}, nil)
	for _, path := range []string{"/device", "/favicon.ico"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestWiFiQR(t *testing.T) {
	_, srv := newTestServer(t, &fakeDevice{snap: testSnapshot()}, nil)
	resp, err := http.Get(srv.URL + "/api/wifi/qr")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	png, _ := io.ReadAll(resp.Body)
	if resp.Header.Get("Content-Type") != "image/png" || !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Errorf("QR response = %s, %d bytes", resp.Header.Get("Content-Type"), len(png))
	}
}

func TestWiFiQRPayload(t *testing.T) {
	tests := []struct {
		ssid, pass, want string
	}{
		{"HSC-Setup", "password", "WIFI:T:WPA;S:HSC-Setup;P:password;;"},
		{"Yard;1", "a:b", `WIFI:T:WPA;S:Yard\;1;P:a\:b;;`},
		{"Open", "", "WIFI:T:nopass;S:Open;;"},
	}
	for _, tt := range tests {
		if got := wifiQRPayload(tt.ssid, tt.pass); got != tt.want {
			t.Errorf("wifiQRPayload(%q, %q) = %q, want %q", tt.ssid, tt.pass, got, tt.want)
		}
	}
}

func TestEventStream(t *testing.T) {
	s, srv := newTestServer(t, &fakeDevice{snap: testSnapshot()}, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The handler subscribes after the upgrade; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for s.opts.Bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.opts.Bus.Emit(events.SourceTrack, events.KindTrackChanged, map[string]any{"track": 2, "state": "OCCUPIED"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Source != events.SourceTrack || e.Kind != events.KindTrackChanged || e.Data["state"] != "OCCUPIED" {
		t.Errorf("event = %+v", e)
	}
}

func TestHistory(t *testing.T) {
	window := trackwindow.New(8, time.Hour, nil)
	now := time.Now()
	window.Record(3, "OCCUPIED", now.Add(-time.Minute))
	window.Record(3, "FREE", now)

	s := New(Options{
		Device:  &fakeDevice{snap: testSnapshot()},
		History: window,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got []trackwindow.Entry
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].State != "FREE" || got[1].State != "OCCUPIED" {
		t.Errorf("history = %+v, want FREE then OCCUPIED", got)
	}
}

func TestHistory_Unset(t *testing.T) {
	_, srv := newTestServer(t, &fakeDevice{snap: testSnapshot()}, nil)
	resp, err := http.Get(srv.URL + "/api/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Errorf("body = %q, want []", raw)
	}
}

func TestListenServeShutdown(t *testing.T) {
	s := New(Options{
		Address:  "127.0.0.1",
		Port:     0,
		MaxConns: 2,
		Device:   &fakeDevice{snap: testSnapshot()},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := s.Serve(); err == nil {
		t.Fatal("Serve before Listen succeeded")
	}
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr().String() + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve returned %v after Shutdown", err)
	}
}
