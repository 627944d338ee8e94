package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ericogr/loadcell-to-mqtt/pkg/command"
	"github.com/ericogr/loadcell-to-mqtt/pkg/config"
	"github.com/ericogr/loadcell-to-mqtt/pkg/output"
	"github.com/ericogr/loadcell-to-mqtt/pkg/report"
)

const (
	// defaults
	DefaultServer       = "tcp://localhost:1883"
	DefaultClientID     = "loadcell-client"
	DefaultTopic        = "loadcell"
	DefaultCommandTopic = "loadcell/command"
	DefaultUnit         = "g"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	deviceClassWeight      = "weight"
	stateClassMeasurement  = "measurement"
	valueTemplateWeight    = "{{ value_json.weight }}"
	valueTemplateSensorFmt = "{{ value_json.sensor_%d }}"
)

// client is the part of mqtt.Client used by the output.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTOutput publishes every document to <topic>/<kind> and accepts
// command lines on the command topic.
type MQTTOutput struct {
	client       client
	topic        string
	commandTopic string
	log          zerolog.Logger
}

func NewMQTT(cfg config.MQTTConfig, channels int, log zerolog.Logger) (*MQTTOutput, error) {
	cfg = withDefaults(cfg)
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "mqtt connect")
	}
	m := newMQTT(c, cfg, log)
	m.publishDiscovery(cfg, channels)
	return m, nil
}

// publishDiscovery publishes the Home Assistant discovery payload(s) if
// requested. Failures are logged; readings are published regardless.
func (m *MQTTOutput) publishDiscovery(cfg config.MQTTConfig, channels int) {
	if cfg.DiscoveryTopic == "" {
		return
	}
	for topic, payload := range discoveryPayloads(cfg, m.stateTopic(), channels) {
		b, err := json.Marshal(payload)
		if err == nil {
			err = m.PublishRaw(topic, b, true)
		}
		if err != nil {
			m.log.Warn().Err(err).Str("topic", topic).Msg("mqtt discovery publish failed")
		}
	}
}

func newMQTT(c client, cfg config.MQTTConfig, log zerolog.Logger) *MQTTOutput {
	return &MQTTOutput{
		client:       c,
		topic:        strings.TrimSuffix(cfg.Topic, "/"),
		commandTopic: cfg.CommandTopic,
		log:          log.With().Str("component", "mqtt").Logger(),
	}
}

func withDefaults(cfg config.MQTTConfig) config.MQTTConfig {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = DefaultCommandTopic
	}
	if cfg.Unit == "" {
		cfg.Unit = DefaultUnit
	}
	return cfg
}

// TopicFor returns the topic a document kind is published to.
func (m *MQTTOutput) TopicFor(kind report.Kind) string {
	return m.topic + "/" + string(kind)
}

func (m *MQTTOutput) stateTopic() string { return m.TopicFor(report.KindReadings) }

func (m *MQTTOutput) Publish(msg report.Message) error {
	// calibration is retained so late subscribers see the active factors
	retained := msg.Kind == report.KindCalibration
	token := m.client.Publish(m.TopicFor(msg.Kind), 0, retained, msg.Body)
	token.Wait()
	return token.Error()
}

// Listen subscribes to the command topic and forwards every command to s.
// Replies are delivered as status documents through the regular outputs.
func (m *MQTTOutput) Listen(ctx context.Context, s output.Submitter) error {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		line := string(msg.Payload())
		cmd, err := command.Parse(line)
		if err != nil {
			m.log.Warn().Err(err).Str("line", line).Msg("invalid command")
			status := report.Status{Status: report.StatusError, Message: err.Error(), MessageUUID: cmd.UUID}
			if rendered, rerr := report.Render(report.KindStatus, status); rerr == nil {
				_ = m.Publish(rendered)
			}
			return
		}
		go func() {
			if _, err := s.Submit(ctx, cmd); err != nil {
				m.log.Debug().Err(err).Str("command", cmd.String()).Msg("command not executed")
			}
		}()
	}
	token := m.client.Subscribe(m.commandTopic, 1, handler)
	if token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "subscribe %s", m.commandTopic)
	}
	m.log.Info().Str("topic", m.commandTopic).Msg("listening for commands")
	<-ctx.Done()
	token = m.client.Unsubscribe(m.commandTopic)
	token.Wait()
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

// PublishRaw publishes a raw payload to the given topic. The caller can set the
// retain flag which is useful for discovery messages.
func (m *MQTTOutput) PublishRaw(topic string, payload []byte, retained bool) error {
	if m.client == nil {
		return errors.New("mqtt client not connected")
	}
	token := m.client.Publish(topic, 0, retained, payload)
	token.Wait()
	return token.Error()
}

// discoveryPayloads builds the discovery entries of the aggregate weight
// and, when the discovery topic has a %d formatter, of every channel.
func discoveryPayloads(cfg config.MQTTConfig, stateTopic string, channels int) map[string]map[string]interface{} {
	result := map[string]map[string]interface{}{}
	if strings.Contains(cfg.DiscoveryTopic, "%d") {
		for ch := 0; ch < channels; ch++ {
			topic := fmt.Sprintf(cfg.DiscoveryTopic, ch)
			p := baseDiscoveryPayload(discoveryName(cfg, &ch), stateTopic, discoveryUniqueID(cfg, &ch), cfg.Unit)
			p[keyValueTemplate] = fmt.Sprintf(valueTemplateSensorFmt, ch)
			result[topic] = p
		}
		return result
	}
	result[cfg.DiscoveryTopic] = baseDiscoveryPayload(discoveryName(cfg, nil), stateTopic, discoveryUniqueID(cfg, nil), cfg.Unit)
	return result
}

// helper: build a human-friendly discovery name; if ch != nil append channel
func discoveryName(cfg config.MQTTConfig, ch *int) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("Scale %s", cfg.ClientID)
	}
	if ch != nil {
		name = fmt.Sprintf("%s sensor %d", name, *ch)
	}
	return name
}

// helper: build a unique id for discovery; if ch != nil append channel
func discoveryUniqueID(cfg config.MQTTConfig, ch *int) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid != "" && ch != nil {
		uid = fmt.Sprintf("%s_%d", uid, *ch)
	}
	return uid
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, stateTopic, uniqueID, unit string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   unit,
		keyDeviceClass:         deviceClassWeight,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplateWeight,
		keyJSONAttributesTopic: stateTopic,
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}
