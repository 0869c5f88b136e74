package mqtt

import (
	"context"
	"encoding/json"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/automaton/internal/buildinfo"
)

// haDevice is the device registry block every discovery payload repeats
// so Home Assistant groups the agent's sensors on one device page.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// discoveryPayload is the retained config message for one HA sensor.
type discoveryPayload struct {
	Name              string   `json:"name"`
	ObjectID          string   `json:"object_id,omitempty"`
	HasEntityName     bool     `json:"has_entity_name,omitempty"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	Device            haDevice `json:"device"`
	Icon              string   `json:"icon,omitempty"`
	Unit              string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
}

// sensorSpec describes one published agent metric. The order of
// agentSensors is the order discovery messages go out.
type sensorSpec struct {
	suffix      string
	name        string
	icon        string
	unit        string
	deviceClass string
	stateClass  string
	diagnostic  bool
}

var agentSensors = []sensorSpec{
	{suffix: "state", name: "State", icon: "mdi:robot"},
	{suffix: "tier", name: "Survival Tier", icon: "mdi:heart-pulse"},
	{suffix: "credits", name: "Credits", icon: "mdi:cash", unit: "USD", deviceClass: "monetary", stateClass: "total"},
	{suffix: "turns", name: "Turns", icon: "mdi:counter", stateClass: "total_increasing"},
	{suffix: "tokens_today", name: "Tokens Today", icon: "mdi:counter", unit: "tokens", stateClass: "total_increasing"},
	{suffix: "spend_today", name: "Spend Today", icon: "mdi:cash-minus", unit: "USD", deviceClass: "monetary", stateClass: "total"},
	{suffix: "last_turn", name: "Last Turn", icon: "mdi:clock-check", deviceClass: "timestamp", diagnostic: true},
	{suffix: "default_model", name: "Default Model", icon: "mdi:brain", diagnostic: true},
	{suffix: "uptime", name: "Uptime", icon: "mdi:clock-outline", diagnostic: true},
	{suffix: "version", name: "Version", icon: "mdi:tag", diagnostic: true},
}

type sensorDef struct {
	entitySuffix string
	payload      discoveryPayload
}

func (p *Publisher) device() haDevice {
	return haDevice{
		Identifiers:  []string{p.instanceID},
		Name:         p.cfg.DeviceName,
		Manufacturer: "Automaton",
		Model:        "Autonomous Agent",
		SWVersion:    buildinfo.Version,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	dev := p.device()
	defs := make([]sensorDef, 0, len(agentSensors))
	for _, s := range agentSensors {
		payload := discoveryPayload{
			Name:              s.name,
			ObjectID:          s.suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + s.suffix,
			StateTopic:        p.stateTopic(s.suffix),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            dev,
			Icon:              s.icon,
			Unit:              s.unit,
			DeviceClass:       s.deviceClass,
			StateClass:        s.stateClass,
		}
		if s.diagnostic {
			payload.EntityCategory = "diagnostic"
		}
		defs = append(defs, sensorDef{entitySuffix: s.suffix, payload: payload})
	}
	return defs
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		body, err := json.Marshal(s.payload)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: body, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entitySuffix, "topic", topic, "error", err)
		}
	}
}
