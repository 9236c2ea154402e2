package portal

import (
	"embed"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hsc-engineering/yardnode/internal/device"
	"github.com/hsc-engineering/yardnode/internal/mqtt"
	"github.com/hsc-engineering/yardnode/internal/netsup"
)

//go:embed static/index.html static/style.css
var staticFiles embed.FS

var placeholder = regexp.MustCompile(`%([A-Z_]+)%`)

// expand replaces %VAR% placeholders with device values. Unknown names
// expand to nothing.
func expand(page []byte, snap device.Snapshot) []byte {
	vars := templateVars(snap)
	return placeholder.ReplaceAllFunc(page, func(m []byte) []byte {
		name := string(m[1 : len(m)-1])
		return []byte(html.EscapeString(vars[name]))
	})
}

func templateVars(snap device.Snapshot) map[string]string {
	mqttStatus := "Disconnected"
	switch {
	case !snap.Config.Configured():
		mqttStatus = "Unconfigured"
	case snap.MQTT == mqtt.Connected:
		mqttStatus = "Connected"
	}

	return map[string]string{
		"FW_REV":           snap.Firmware,
		"IP":               snap.IP,
		"HOSTNAME":         snap.Identity.Hostname,
		"SSID":             snap.SSID,
		"MQTT_STATUS":      mqttStatus,
		"UPTIME":           formatUptime(snap.Uptime),
		"RSSI":             formatRSSI(snap),
		"FREE_MEMORY":      formatMemory(snap),
		"DATETIME":         formatClock(snap),
		"CAN_STATUS":       "N/A",
		"CAN_ID":           strconv.Itoa(snap.Config.BoardID),
		"BOARD_TYPE":       snap.Board.TypeDesc,
		"BOARD_TYPE_SHORT": snap.Board.TypeShort,
		"LOCATION":         snap.Config.Location,
	}
}

// formatUptime renders "Nd HHh MMm", "Nh MMm SSs" or "Mm SSs".
func formatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	secs %= 86400
	hours := secs / 3600
	secs %= 3600
	mins := secs / 60
	secs %= 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %02dh %02dm", days, hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh %02dm %02ds", hours, mins, secs)
	default:
		return fmt.Sprintf("%dm %02ds", mins, secs)
	}
}

func formatRSSI(snap device.Snapshot) string {
	if snap.Network != netsup.Connected {
		return "N/A"
	}
	return fmt.Sprintf("%d dBm", snap.RSSI)
}

func formatMemory(snap device.Snapshot) string {
	if !snap.FreeMemoryKnown {
		return "N/A"
	}
	return fmt.Sprintf("%.1f KB", float64(snap.FreeMemory)/1024)
}

func formatClock(snap device.Snapshot) string {
	if !snap.ClockSynced {
		return "Not synced"
	}
	return snap.Now.Format("01-02-06 15:04:05")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "index missing", http.StatusInternalServerError)
		return
	}
	snap, err := s.opts.Device.Snapshot(r.Context())
	if err != nil {
		s.unavailable(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(expand(page, snap))
}

func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request) {
	css, _ := staticFiles.ReadFile("static/style.css")
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Write(css)
}

// pageHandler serves a templated page from the updatable filesystem.
func (s *Server) pageHandler(name, notFound string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := s.readPage(name)
		if err != nil {
			s.logger.Debug("page unavailable", "page", name, "error", err)
			http.Error(w, notFound, http.StatusNotFound)
			return
		}
		snap, err := s.opts.Device.Snapshot(r.Context())
		if err != nil {
			s.unavailable(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(expand(page, snap))
	}
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	icon, err := s.readPage("favicon.ico")
	if err != nil {
		http.Error(w, "Favicon not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/x-icon")
	w.Write(icon)
}

func (s *Server) readPage(name string) ([]byte, error) {
	if s.opts.Pages == nil {
		return nil, fmt.Errorf("no page filesystem")
	}
	return s.opts.Pages.ReadFile(name)
}

// wifiQRPayload builds the WIFI: URI phones use to join a network.
func wifiQRPayload(ssid, password string) string {
	esc := strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)
	if password == "" {
		return "WIFI:T:nopass;S:" + esc.Replace(ssid) + ";;"
	}
	return "WIFI:T:WPA;S:" + esc.Replace(ssid) + ";P:" + esc.Replace(password) + ";;"
}
