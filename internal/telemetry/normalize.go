package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"wisefido-energy/internal/models"
)

var (
	// ErrUnknownShape the topic or payload matches no supported device format
	ErrUnknownShape = errors.New("unknown telemetry shape")
	// ErrIgnored a well-formed message that carries no state (RPC replies, other components)
	ErrIgnored = errors.New("telemetry message ignored")
)

// CanonicalTopicPrefix topics carrying canonical or cloud-envelope JSON
const CanonicalTopicPrefix = "energy/telemetry/"

// switchStatus Gen2 switch component; every field is optional because NotifyStatus sends deltas
type switchStatus struct {
	Output      *bool    `json:"output"`
	APower      *float64 `json:"apower"`
	Voltage     *float64 `json:"voltage"`
	Temperature *struct {
		C *float64 `json:"tC"`
	} `json:"temperature"`
	AEnergy *struct {
		Total *float64 `json:"total"`
	} `json:"aenergy"`
}

type rpcNotification struct {
	Src    string                     `json:"src"`
	Method string                     `json:"method"`
	Params map[string]json.RawMessage `json:"params"`
}

type canonicalPayload struct {
	DeviceID      string     `json:"device_id"`
	Online        *bool      `json:"online"`
	RelayOn       *bool      `json:"relay_on"`
	CurrentPower  *float64   `json:"current_power"`
	Voltage       *float64   `json:"voltage"`
	Temperature   *float64   `json:"temperature"`
	TotalEnergyWh *float64   `json:"total_energy_wh"`
	Timestamp     *time.Time `json:"timestamp"`

	// cloud StatusOnChange envelope
	Event  string `json:"event"`
	Device *struct {
		ID string `json:"id"`
	} `json:"device"`
	Status map[string]json.RawMessage `json:"status"`
}

// Normalize turns one raw device message into a canonical event.
// prev is the last known state of the same device, used to complete partial updates; it may be nil.
func Normalize(topic string, payload []byte, prev *models.TelemetryEvent, now time.Time) (*models.TelemetryEvent, error) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")

	switch {
	case strings.HasPrefix(topic, CanonicalTopicPrefix) && len(parts) == 3:
		return normalizeCanonical(parts[2], payload, prev, now)
	case len(parts) >= 3 && parts[0] == "shellies":
		return normalizeGen1(parts[1], parts[2:], payload, prev, now)
	case len(parts) == 2 && parts[1] == "online":
		return normalizeOnline(parts[0], payload, prev, now)
	case len(parts) == 3 && parts[1] == "status" && parts[2] == "switch:0":
		evt := seed(parts[0], prev, now)
		if err := applySwitch(evt, payload); err != nil {
			return nil, err
		}
		return evt, nil
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "rpc":
		return normalizeRPC(parts[0], payload, prev, now)
	}
	return nil, fmt.Errorf("%w: topic %s", ErrUnknownShape, topic)
}

// DeviceIDFromTopic the device a telemetry topic belongs to, or "" for unknown topics
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	switch {
	case strings.HasPrefix(topic, CanonicalTopicPrefix) && len(parts) == 3:
		return parts[2]
	case len(parts) >= 3 && parts[0] == "shellies":
		return parts[1]
	case len(parts) == 2 && parts[1] == "online":
		return parts[0]
	case len(parts) == 3 && (parts[1] == "status" || parts[1] == "events"):
		return parts[0]
	}
	return ""
}

// seed copies prev, or starts an online event for a device seen for the first time
func seed(deviceID string, prev *models.TelemetryEvent, now time.Time) *models.TelemetryEvent {
	evt := &models.TelemetryEvent{DeviceID: deviceID, Online: true}
	if prev != nil {
		*evt = *prev
		evt.DeviceID = deviceID
		evt.Online = true
	}
	evt.Timestamp = now
	return evt
}

func normalizeGen1(deviceID string, rest []string, payload []byte, prev *models.TelemetryEvent, now time.Time) (*models.TelemetryEvent, error) {
	value := strings.TrimSpace(string(payload))
	path := strings.Join(rest, "/")

	switch path {
	case "online":
		return normalizeOnline(deviceID, payload, prev, now)
	case "relay/0":
		evt := seed(deviceID, prev, now)
		switch value {
		case "on":
			evt.RelayOn = true
		case "off":
			evt.RelayOn = false
		default:
			return nil, fmt.Errorf("%w: relay state %q", ErrUnknownShape, value)
		}
		return evt, nil
	case "relay/0/power":
		w, err := parseWatts(value)
		if err != nil {
			return nil, err
		}
		evt := seed(deviceID, prev, now)
		evt.CurrentPower = w
		return evt, nil
	case "relay/0/energy":
		wattMinutes, err := strconv.ParseFloat(value, 64)
		if err != nil || wattMinutes < 0 {
			return nil, fmt.Errorf("%w: energy counter %q", ErrUnknownShape, value)
		}
		evt := seed(deviceID, prev, now)
		wh := wattMinutes / 60
		evt.TotalEnergyWh = &wh
		return evt, nil
	case "relay/0/command", "command", "announce", "info":
		return nil, ErrIgnored
	}
	return nil, fmt.Errorf("%w: gen1 path %s", ErrUnknownShape, path)
}

func normalizeOnline(deviceID string, payload []byte, prev *models.TelemetryEvent, now time.Time) (*models.TelemetryEvent, error) {
	online, err := strconv.ParseBool(strings.TrimSpace(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: online flag %q", ErrUnknownShape, payload)
	}
	evt := seed(deviceID, prev, now)
	evt.Online = online
	if !online {
		evt.CurrentPower = 0
	}
	return evt, nil
}

func normalizeRPC(deviceID string, payload []byte, prev *models.TelemetryEvent, now time.Time) (*models.TelemetryEvent, error) {
	var n rpcNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: rpc payload: %v", ErrUnknownShape, err)
	}
	if n.Method != "NotifyStatus" && n.Method != "NotifyFullStatus" {
		return nil, ErrIgnored
	}
	raw, ok := n.Params["switch:0"]
	if !ok {
		return nil, ErrIgnored
	}
	evt := seed(deviceID, prev, now)
	if err := applySwitch(evt, raw); err != nil {
		return nil, err
	}
	return evt, nil
}

func applySwitch(evt *models.TelemetryEvent, raw []byte) error {
	var sw switchStatus
	if err := json.Unmarshal(raw, &sw); err != nil {
		return fmt.Errorf("%w: switch status: %v", ErrUnknownShape, err)
	}
	if sw.Output != nil {
		evt.RelayOn = *sw.Output
	}
	if sw.APower != nil {
		if err := validWatts(*sw.APower); err != nil {
			return err
		}
		evt.CurrentPower = *sw.APower
	}
	if sw.Voltage != nil {
		evt.Voltage = *sw.Voltage
	}
	if sw.Temperature != nil && sw.Temperature.C != nil {
		c := *sw.Temperature.C
		evt.Temperature = &c
	}
	if sw.AEnergy != nil && sw.AEnergy.Total != nil {
		total := *sw.AEnergy.Total
		evt.TotalEnergyWh = &total
	}
	return nil
}

func normalizeCanonical(deviceID string, payload []byte, prev *models.TelemetryEvent, now time.Time) (*models.TelemetryEvent, error) {
	var p canonicalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: canonical payload: %v", ErrUnknownShape, err)
	}

	if p.Event != "" {
		if p.Event != "Shelly:StatusOnChange" || p.Status == nil {
			return nil, ErrIgnored
		}
		evt := seed(deviceID, prev, now)
		raw, ok := p.Status["switch:0"]
		if !ok {
			raw, ok = p.Status["relay:0"]
		}
		if !ok {
			return nil, ErrIgnored
		}
		if err := applySwitch(evt, raw); err != nil {
			return nil, err
		}
		return evt, nil
	}

	if p.DeviceID != "" && p.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: payload device %s on topic for %s", ErrUnknownShape, p.DeviceID, deviceID)
	}
	evt := seed(deviceID, prev, now)
	if p.Online != nil {
		evt.Online = *p.Online
	}
	if p.RelayOn != nil {
		evt.RelayOn = *p.RelayOn
	}
	if p.CurrentPower != nil {
		if err := validWatts(*p.CurrentPower); err != nil {
			return nil, err
		}
		evt.CurrentPower = *p.CurrentPower
	}
	if p.Voltage != nil {
		evt.Voltage = *p.Voltage
	}
	if p.Temperature != nil {
		t := *p.Temperature
		evt.Temperature = &t
	}
	if p.TotalEnergyWh != nil {
		wh := *p.TotalEnergyWh
		evt.TotalEnergyWh = &wh
	}
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		evt.Timestamp = *p.Timestamp
	}
	return evt, nil
}

func parseWatts(raw string) (float64, error) {
	w, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: power %q", ErrUnknownShape, raw)
	}
	return w, validWatts(w)
}

func validWatts(w float64) error {
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return fmt.Errorf("%w: power %v out of range", ErrUnknownShape, w)
	}
	return nil
}
