package mqtt

import "github.com/nugget/mcphost/internal/buildinfo"

// DeviceInfo is the Home Assistant device block shared by every
// discovery payload, so all server sensors group under one device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is a Home Assistant MQTT sensor discovery payload.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id"`
	HasEntityName       bool       `json:"has_entity_name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template,omitempty"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	AvailabilityTopic   string     `json:"availability_topic"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
}

// NewDeviceInfo builds the device block. instanceID is the stable
// identifier; deviceName is what Home Assistant shows.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "mcphost",
		Model:        "MCP capability host",
		SWVersion:    buildinfo.Version,
	}
}
