package telemetry

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sitetools/opsdaemon/model"
)

// Will describes the retained message the broker publishes on our behalf
// when the connection dies uncleanly.
type Will struct {
	Topic   string
	Payload string
}

// Connect opens the messaging connection, registering the last will at
// connect time as the broker contract requires.
func Connect(brokerURL, clientID string, will *Will, logger *zap.SugaredLogger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	if will != nil {
		opts.SetWill(will.Topic, will.Payload, 1, true)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Errorf("messaging connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Infof("connected to messaging broker %s", brokerURL)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to messaging broker %s: %w", brokerURL, token.Error())
	}
	return client, nil
}

// PublishRetained publishes a retained message on the given topic, used for
// the daemon status advertisements.
func (p *Publisher) PublishRetained(topic, payload string) error {
	if p.dummy {
		p.logger.Infof("dummy: would publish retained %q to %s", payload, topic)
		return nil
	}
	if p.mqtt == nil {
		return fmt.Errorf("publish to %s: no messaging connection", topic)
	}
	token := p.mqtt.Publish(topic, 1, true, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}

// publishMessaging sends the metric on the telemetry topic hierarchy:
// <node>/telemetry/<l1>/<v1>/.../<prefix><name>. Labels extend the topic in
// declaration order; the payload is the raw value, string or numeric.
func (p *Publisher) publishMessaging(m *model.Metric, opts SinkOptions) Reason {
	if !opts.Messaging {
		return DisabledByConfiguration
	}
	if m.Name() == "" {
		return NameUnavailable
	}
	value, ok := m.Value()
	if !ok {
		return ValueUnavailable
	}

	topic := messagingTopic(p.node.Name, m, opts.MessagingPrefix)
	if p.dummy {
		p.logger.Infof("dummy: would publish %q to %s", value, topic)
		return Success
	}
	if p.node.BrokerURL == "" || p.mqtt == nil {
		return NoEndpointConfigured
	}

	token := p.mqtt.Publish(topic, 1, false, value)
	if token.Wait() && token.Error() != nil {
		p.logger.Errorf("messaging publish %s: %v", topic, token.Error())
		return TransportError
	}
	return Success
}

func messagingTopic(nodeName string, m *model.Metric, prefix string) string {
	parts := []string{nodeName, "telemetry"}
	for _, l := range m.Labels() {
		parts = append(parts, l.Name, l.Value)
	}
	parts = append(parts, prefix+m.Name())
	return strings.Join(parts, "/")
}
