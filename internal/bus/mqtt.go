package bus

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// ReconnectPeriod is the fixed interval the client waits between
// reconnect attempts after a disconnect.
const ReconnectPeriod = 5 * time.Second

// MQTT is the paho-backed bus client.
type MQTT struct {
	client mqtt.Client
}

var _ Client = (*MQTT)(nil)

// Dial connects to a broker at brokerURL ("tcp://host:port") with the
// given client ID.
func Dial(brokerURL, clientID string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(ReconnectPeriod).
		SetConnectRetry(true).
		SetConnectRetryInterval(ReconnectPeriod).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info().Str("broker", brokerURL).Msg("bus connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("bus connection lost, reconnecting")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to bus at %s", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	return &MQTT{client: client}, nil
}

func (m *MQTT) Subscribe(ctx context.Context, topic string, h Handler) error {
	token := m.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out subscribing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	<-ctx.Done()
	m.client.Unsubscribe(topic)
	return ctx.Err()
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
