package main

import (
	"errors"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	connectTimeout = 15 * time.Second
	publishTimeout = 5 * time.Second
	qos            = 1
)

var errTimeout = errors.New("mqtt operation timed out")

type mqttClient struct {
	client mqtt.Client
	logger *zap.SugaredLogger
}

func brokerURL(broker string) string {
	url := strings.TrimSpace(broker)
	if url == "" {
		url = "localhost:1883"
	}
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	if !strings.Contains(url, "://") {
		url = "tcp://" + url
	}
	return url
}

func clientId(configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	return "ha-companion-" + uuid.NewString()[:8]
}

func connectMqtt(broker, id string, logger *zap.SugaredLogger) (*mqttClient, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(broker))
	opts.SetClientID(clientId(id))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnf("MQTT connection lost: %v", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		logger.Info("MQTT connected")
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(connectTimeout); !ok {
		return nil, errTimeout
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &mqttClient{client: c, logger: logger}, nil
}

func (c *mqttClient) Publish(topic string, payload []byte) error {
	tok := c.client.Publish(topic, qos, false, payload)
	if ok := tok.WaitTimeout(publishTimeout); !ok {
		return errTimeout
	}
	return tok.Error()
}

func (c *mqttClient) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	tok := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	tok.Wait()
	return tok.Error()
}

func (c *mqttClient) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
