//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/esp_clock_<id>/network_state/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// entity is one read-only value exposed to Home Assistant.
type entity struct {
	component string // "sensor" or "binary_sensor"
	key       string
	name      string
	topic     string // suffix below the device topic
	template  string
	class     string
	category  string
	icon      string
	on, off   string
}

var clockEntities = []entity{
	{component: "sensor", key: "network_state", name: "Network", topic: "network", template: "{{ value_json.state }}", icon: "mdi:wifi"},
	{component: "sensor", key: "ssid", name: "SSID", topic: "network", template: "{{ value_json.ssid }}", category: "diagnostic"},
	{component: "sensor", key: "ip", name: "IP address", topic: "network", template: "{{ value_json.ip }}", category: "diagnostic"},
	{component: "sensor", key: "last_sync", name: "Last time sync", topic: "sync", template: "{{ value_json.at }}", class: "timestamp", category: "diagnostic"},
	{component: "binary_sensor", key: "synced", name: "Time synced", topic: "sync", template: "{{ value_json.phase }}", on: "synced", off: "failed", category: "diagnostic"},
	{component: "sensor", key: "theme", name: "Theme", topic: "settings", template: "{{ value_json.theme }}", icon: "mdi:palette"},
	{component: "sensor", key: "brightness", name: "Brightness", topic: "settings", template: "{{ value_json.brightness }}", icon: "mdi:brightness-6"},
	{component: "sensor", key: "timezone", name: "Time zone", topic: "settings", template: "{{ value_json.timezone }}", icon: "mdi:earth"},
}

// nodeID is the HA object id prefix for this clock.
func nodeID(deviceID string) string {
	return "esp_clock_" + deviceID
}

// buildDiscovery generates HA discovery messages for the clock.
func buildDiscovery(deviceID, prefix, version string) []discoveryMsg {
	if deviceID == "" {
		return nil
	}
	node := nodeID(deviceID)
	base := deviceTopic(prefix, deviceID)
	dev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "esp-clock",
		Model:        "Time circuit clock",
		Name:         "esp-clock " + shortID(deviceID),
		SWVersion:    version,
	}

	msgs := make([]discoveryMsg, 0, len(clockEntities))
	for _, e := range clockEntities {
		payload, err := json.Marshal(haDiscovery{
			Name:              e.name,
			UniqueID:          node + "_" + e.key,
			StateTopic:        base + "/" + e.topic,
			AvailabilityTopic: base + "/availability",
			ValueTemplate:     e.template,
			DeviceClass:       e.class,
			EntityCategory:    e.category,
			Icon:              e.icon,
			PayloadOn:         e.on,
			PayloadOff:        e.off,
			Device:            dev,
		})
		if err != nil {
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   "homeassistant/" + e.component + "/" + node + "/" + e.key + "/config",
			Payload: payload,
		})
	}
	return msgs
}

func deviceTopic(prefix, deviceID string) string {
	return prefix + "/" + deviceID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
