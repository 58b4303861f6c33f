package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"esp-clock/internal/network"
	"esp-clock/internal/settings"
	"esp-clock/internal/timesync"
)

// maxBody caps request bodies of the setup endpoints.
const maxBody = 128

type setConfigRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSmallBody(w, r)
	if !ok {
		return
	}
	var req setConfigRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, messageResponse{Message: "JSON error"})
		return
	}

	if err := s.deps.Settings.SetWiFiCredentials(req.SSID, req.Password); err != nil {
		if settings.IsValidation(err) {
			s.writeJSON(w, http.StatusBadRequest, messageResponse{Message: err.Error()})
			return
		}
		s.logger.Error("save wifi credentials", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "internal server error"})
		return
	}

	s.deps.Network.CredentialsUpdated()
	s.logger.Info("wifi credentials accepted", "ssid", req.SSID)
	s.writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Credentials saved, connecting to %s", req.SSID),
	})
}

type setTimezoneRequest struct {
	Timezone string `json:"timezone"`
}

func (s *Server) handleSetTimezone(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSmallBody(w, r)
	if !ok {
		return
	}
	var req setTimezoneRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if !s.commit(w, "set timezone", s.deps.Settings.SetTimezone(req.Timezone)) {
		return
	}
	if !s.apply(w, "refresh display", s.deps.Face.Refresh()) {
		return
	}
	writeText(w, http.StatusOK, "Timezone changed!")
}

func (s *Server) handleSetBrightness(w http.ResponseWriter, r *http.Request) {
	level, err := settings.ParseBrightness(queryValue(r))
	if !s.commit(w, "set brightness", err) {
		return
	}
	if !s.commit(w, "set brightness", s.deps.Settings.SetBrightness(level)) {
		return
	}
	if !s.apply(w, "apply brightness", s.deps.Face.ApplyBrightness()) {
		return
	}
	writeText(w, http.StatusOK, "Brightness Updated!")
}

func (s *Server) handleSetTheme(w http.ResponseWriter, r *http.Request) {
	theme, err := settings.ParseTheme(queryValue(r))
	if !s.commit(w, "set theme", err) {
		return
	}
	if !s.commit(w, "set theme", s.deps.Settings.SetTheme(theme)) {
		return
	}
	if !s.apply(w, "apply theme", s.deps.Face.ApplyTheme()) {
		return
	}
	writeText(w, http.StatusOK, "Theme Updated!")
}

func (s *Server) handleSetHourFormat(w http.ResponseWriter, r *http.Request) {
	hf, err := settings.ParseHourFormat(queryValue(r))
	if !s.commit(w, "set hour format", err) {
		return
	}
	if !s.commit(w, "set hour format", s.deps.Settings.SetHourFormat(hf)) {
		return
	}
	if !s.apply(w, "refresh display", s.deps.Face.Refresh()) {
		return
	}
	writeText(w, http.StatusOK, "Hour format updated!")
}

func (s *Server) handleSetHighPowerMode(w http.ResponseWriter, r *http.Request) {
	on, err := settings.ParseBool("high_power_mode", queryValue(r))
	if !s.commit(w, "set high power mode", err) {
		return
	}
	if !s.commit(w, "set high power mode", s.deps.Settings.SetHighPowerMode(on)) {
		return
	}
	if !s.apply(w, "apply brightness", s.deps.Face.ApplyBrightness()) {
		return
	}
	writeText(w, http.StatusOK, "High power mode updated!")
}

func (s *Server) handleSyncTime(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Clock.Sync(r.Context()); err != nil {
		var se *timesync.SyncError
		reason := "time sync unavailable"
		if errors.As(err, &se) {
			reason = se.Reason
		}
		s.logger.Warn("time sync requested via web failed", "err", err)
		writeText(w, http.StatusServiceUnavailable, "Time sync failed: "+reason)
		return
	}
	writeText(w, http.StatusOK, "Time synced successfully!")
}

type statusResponse struct {
	DeviceID            string           `json:"device_id,omitempty"`
	SSID                string           `json:"ssid"`
	Timezone            string           `json:"timezone"`
	Time                string           `json:"time"`
	HourFormat          string           `json:"hour_format"`
	Theme               settings.Theme   `json:"theme"`
	Brightness          int              `json:"brightness"`
	EffectiveBrightness uint8            `json:"effective_brightness"`
	HighPowerMode       bool             `json:"high_power_mode"`
	NetworkState        network.State    `json:"network_state"`
	Network             network.Snapshot `json:"network"`
	SyncStatus          string           `json:"sync_status"`
	Sync                timesync.Status  `json:"sync"`
}

// status assembles a snapshot from the collaborators without waiting on any
// of them.
func (s *Server) status() statusResponse {
	cfg := s.deps.Settings.Current()
	snap := s.deps.Network.Snapshot()
	ts := s.deps.Clock.Status()
	return statusResponse{
		DeviceID:            s.deviceID,
		SSID:                cfg.SSID,
		Timezone:            cfg.Timezone,
		Time:                clockString(s.deps.Clock.Now().In(cfg.Location()), cfg.HourFormat),
		HourFormat:          cfg.HourFormat.String(),
		Theme:               cfg.Theme,
		Brightness:          cfg.Brightness,
		EffectiveBrightness: cfg.EffectiveBrightness(),
		HighPowerMode:       cfg.HighPowerMode,
		NetworkState:        snap.State,
		Network:             snap,
		SyncStatus:          ts.String(),
		Sync:                ts,
	}
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	if r.URL.Query().Get("format") == "html" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<p><strong>Wi-Fi SSID:</strong> %s</p>\n<p><strong>Time Zone:</strong> %s</p>\n<p><strong>Current Time:</strong> %s</p>",
			html.EscapeString(st.SSID), html.EscapeString(st.Timezone), html.EscapeString(st.Time))
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleFactoryReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Settings.FactoryReset(); err != nil {
		s.logger.Error("factory reset", "err", err)
		writeText(w, http.StatusInternalServerError, "Factory reset failed")
		return
	}
	s.logger.Info("factory reset initiated")
	writeText(w, http.StatusOK, "Factory reset initiated!")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	s.deps.Rebooter.Schedule("factory reset")
}

func (s *Server) handleSetupQR(w http.ResponseWriter, r *http.Request) {
	ap := s.deps.Network.APConfig()
	qr, err := qrcode.New(wifiQRContent(ap.SSID, ap.Password), qrcode.Medium)
	if err != nil {
		s.logger.Error("setup qr", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	png, err := qr.PNG(256)
	if err != nil {
		s.logger.Error("setup qr png", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("write setup qr", "err", err)
	}
}

// wifiQRContent is the join string phone cameras understand.
func wifiQRContent(ssid, password string) string {
	esc := strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)
	return fmt.Sprintf("WIFI:S:%s;T:WPA;P:%s;;", esc.Replace(ssid), esc.Replace(password))
}

// readSmallBody reads at most maxBody bytes and answers 413 beyond that.
func (s *Server) readSmallBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.ContentLength > maxBody {
		writeText(w, http.StatusRequestEntityTooLarge, "Request too big")
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeText(w, http.StatusRequestEntityTooLarge, "Request too big")
			return nil, false
		}
		writeText(w, http.StatusBadRequest, "Invalid request")
		return nil, false
	}
	return body, true
}

// commit reports whether a settings step succeeded, answering 400 for
// validation errors and 500 for anything else.
func (s *Server) commit(w http.ResponseWriter, op string, err error) bool {
	if err == nil {
		return true
	}
	if settings.IsValidation(err) {
		writeText(w, http.StatusBadRequest, err.Error())
		return false
	}
	s.logger.Error(op, "err", err)
	writeText(w, http.StatusInternalServerError, "Internal Server Error")
	return false
}

// apply reports a hardware failure after the setting was already committed.
// The stored value stays and is applied again on the next refresh.
func (s *Server) apply(w http.ResponseWriter, op string, err error) bool {
	if err == nil {
		return true
	}
	s.logger.Error(op, "err", err)
	writeText(w, http.StatusInternalServerError, "Setting saved, display update failed")
	return false
}

// queryValue returns the bare query the web client sends ("?5"), or the
// value of the first key ("?level=5"). Further parameters are ignored.
func queryValue(r *http.Request) string {
	raw, _, _ := strings.Cut(r.URL.RawQuery, "&")
	if _, v, ok := strings.Cut(raw, "="); ok {
		raw = v
	}
	if v, err := url.QueryUnescape(raw); err == nil {
		return v
	}
	return raw
}

func clockString(t time.Time, hf settings.HourFormat) string {
	if hf == settings.H24 {
		return t.Format("15:04")
	}
	return t.Format("03:04 PM")
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
