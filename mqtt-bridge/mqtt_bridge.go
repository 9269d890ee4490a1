package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haClient"
	"github.com/zabeloliver/ha-companion/ha-api/haCommands"
	"github.com/zabeloliver/ha-companion/ha-api/haConfig"
	"github.com/zabeloliver/ha-companion/ha-api/haNotify"
	"github.com/zabeloliver/ha-companion/ha-api/haStream"
	"github.com/zabeloliver/ha-companion/ha-api/haStructs"
)

const callTimeout = 30 * time.Second

var topicEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_")

type publisher interface {
	Publish(topic string, payload []byte) error
}

type serviceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) (any, error)
}

// bridge forwards stream events to MQTT and MQTT call messages to the hub.
type bridge struct {
	prefix string
	pub    publisher
	caller serviceCaller
	logger *zap.SugaredLogger
}

type eventMessage struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    string         `json:"origin,omitempty"`
	TimeFired time.Time      `json:"time_fired"`
}

func eventTopic(prefix, eventType string) string {
	return prefix + "/event/" + topicEscaper.Replace(eventType)
}

func callSubscription(prefix string) string {
	return prefix + "/call/+/+"
}

// parseCallTopic splits <prefix>/call/<domain>/<service>.
func parseCallTopic(prefix, topic string) (string, string, bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/call/")
	if !found {
		return "", "", false
	}
	domain, service, found := strings.Cut(rest, "/")
	if !found || domain == "" || service == "" || strings.Contains(service, "/") {
		return "", "", false
	}
	return domain, service, true
}

func (b *bridge) forwardEvent(event haStructs.StreamEvent) {
	payload, err := json.Marshal(eventMessage{
		EventType: event.EventType,
		Data:      event.Payload,
		Origin:    event.Origin,
		TimeFired: event.TimeFired,
	})
	if err != nil {
		b.logger.Errorf("Unable to encode %s event: %v", event.EventType, err)
		return
	}
	topic := eventTopic(b.prefix, event.EventType)
	if err := b.pub.Publish(topic, payload); err != nil {
		b.logger.Errorf("Publishing to %s failed: %v", topic, err)
	}
}

func (b *bridge) handleCall(topic string, payload []byte) {
	domain, service, ok := parseCallTopic(b.prefix, topic)
	if !ok {
		b.logger.Warnf("Ignoring message on %s", topic)
		return
	}
	var data map[string]any
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			b.logger.Warnf("Ignoring call %s/%s: payload is not a JSON object: %v", domain, service, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if _, err := b.caller.CallService(ctx, domain, service, data); err != nil {
		b.logger.Errorf("Call %s/%s failed: %v", domain, service, err)
	}
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "configFile", haConfig.DefaultConfigFile, "Path to the config.yaml File.")
	flag.Parse()

	bootstrap, _ := haConfig.NewLogger("")
	cfg, err := haConfig.Load(configPath, bootstrap.Sugar())
	if err != nil {
		bootstrap.Sugar().Fatal(err)
	}
	logger, err := haConfig.NewLogger(cfg.Logging.File)
	if err != nil {
		bootstrap.Sugar().Fatal(err)
	}
	sugar := logger.Sugar()
	defer sugar.Sync() // flushes buffer, if any

	sugar.Info("Starting MQTT-Bridge")
	if err := cfg.Validate(); err != nil {
		sugar.Fatal(err)
	}
	conn, err := cfg.ConnectionConfig()
	if err != nil {
		sugar.Fatal(err)
	}

	notifier := haNotify.NewLogNotifier(sugar)
	client := haClient.NewHaApiClient(conn, sugar)
	mq, err := connectMqtt(cfg.Mqtt.Broker, cfg.Mqtt.ClientId, sugar)
	if err != nil {
		sugar.Fatal(err)
	}
	defer mq.Close()

	b := &bridge{
		prefix: strings.TrimSuffix(cfg.Mqtt.TopicPrefix, "/"),
		pub:    mq,
		caller: haCommands.NewHaCommandService(client, notifier, sugar),
		logger: sugar,
	}
	if err := mq.Subscribe(callSubscription(b.prefix), b.handleCall); err != nil {
		sugar.Fatal(err)
	}

	stream := haStream.NewHaStreamClient(conn, notifier, sugar, haStream.WithBackoff(cfg.StreamBackoff()))
	stream.Subscribe("*", b.forwardEvent)

	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		sugar.Info("Catch Keyboard interrupt")
		cancel()
	}()

	_ = stream.Run(ctx)
	sugar.Info("MQTT-Bridge stopped")
}
