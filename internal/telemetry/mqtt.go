package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tether-project/tether/internal/config"
	"github.com/tether-project/tether/internal/events"
	"github.com/tether-project/tether/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicPresence = "presence"
	TopicPeer     = "peer"
	TopicTransfer = "transfer"
	TopicAdmin    = "admin"
)

var eventTopics = map[events.EventType]string{
	events.EventSessionOpened:        TopicPresence,
	events.EventSessionClosed:        TopicPresence,
	events.EventDeviceChanged:        TopicPresence,
	events.EventPeerStateChanged:     TopicPeer,
	events.EventTransferStateChanged: TopicTransfer,
	events.EventShutdown:             TopicAdmin,
}

// MQTTHandler mirrors lifecycle events from the bus onto an MQTT broker.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}

	send func(topic string, data []byte)
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	h := newMQTTHandler(mqttCfg, eventBus, nil)
	h.send = h.publishToBroker

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		host, _ := h.metadata["hostname"].(string)
		opts.SetClientID(fmt.Sprintf("tether-%s-%s", host, uuid.NewString()[:8]))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

		// mTLS
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

func newMQTTHandler(cfg config.MQTTConfig, bus *events.EventBus, send func(string, []byte)) *MQTTHandler {
	sysInfo := util.GetSystemInfo()
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: bus,
		logger:   log.With().Str("component", "mqtt").Logger(),
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_model": sysInfo.CPUModel,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
		},
		send: send,
	}
}

// Start connects to the broker, subscribes to the bus and blocks until ctx
// is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	for et := range eventTopics {
		h.eventBus.Subscribe(et, "mqtt", h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for et := range eventTopics {
		h.eventBus.Unsubscribe(et, "mqtt")
	}
}

func (h *MQTTHandler) topic(suffix string) string {
	prefix := strings.Trim(h.cfg.TopicPrefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

func (h *MQTTHandler) onEvent(_ context.Context, event events.Event) error {
	suffix, ok := eventTopics[event.Type]
	if !ok {
		return nil
	}
	h.publish(h.topic(suffix), string(event.Type), event.Payload)
	return nil
}

// publish marshals the event with host metadata and hands it to send.
func (h *MQTTHandler) publish(topic, event string, payload interface{}) {
	data, err := json.Marshal(h.buildMessage(event, payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}
	h.send(topic, data)
}

func (h *MQTTHandler) publishToBroker(topic string, data []byte) {
	if !h.client.IsConnected() {
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(event string, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = event
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown announces that this server is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicAdmin), string(events.EventShutdown), nil)
}
