package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haClient"
	"github.com/zabeloliver/ha-companion/ha-api/haCommands"
	"github.com/zabeloliver/ha-companion/ha-api/haConfig"
	"github.com/zabeloliver/ha-companion/ha-api/haLocation"
	"github.com/zabeloliver/ha-companion/ha-api/haNotify"
)

var errUsage = errors.New("invalid arguments")

// companion holds everything the commands share.
type companion struct {
	config   haConfig.Config
	client   *haClient.HaApiClient
	commands *haCommands.HaCommandService
	notifier haNotify.Notifier
	registry *prometheus.Registry
	metrics  *metrics
	out      io.Writer
	logger   *zap.SugaredLogger
}

func newCompanion(cfg haConfig.Config, out io.Writer, logger *zap.SugaredLogger) (*companion, error) {
	conn, err := cfg.ConnectionConfig()
	if err != nil {
		return nil, err
	}

	// Create a non-global registry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewBuildInfoCollector())
	reg.MustRegister(collectors.NewGoCollector())
	m := NewMetrics(reg)

	client := haClient.NewHaApiClient(conn, logger,
		haClient.WithHttpClient(&http.Client{Timeout: cfg.Api.Timeout}),
		haClient.WithRequestObserver(m.observeRequest))
	notifier := haNotify.NewLogNotifier(logger)

	return &companion{
		config:   cfg,
		client:   client,
		commands: haCommands.NewHaCommandService(client, notifier, logger),
		notifier: notifier,
		registry: reg,
		metrics:  m,
		out:      out,
		logger:   logger,
	}, nil
}

type command struct {
	name    string
	usage   string
	help    string
	minArgs int
	maxArgs int
	run     func(ctx context.Context, a *companion, args []string) (any, error)
}

var commands = []command{
	{"status", "status", "Hub version and location", 0, 0, func(ctx context.Context, a *companion, _ []string) (any, error) {
		return a.client.GetStatus(ctx)
	}},
	{"config", "config", "Hub configuration", 0, 0, func(ctx context.Context, a *companion, _ []string) (any, error) {
		return a.client.GetConfig(ctx)
	}},
	{"bootstrap", "bootstrap", "Hub bootstrap data", 0, 0, func(ctx context.Context, a *companion, _ []string) (any, error) {
		return a.client.GetBootstrap(ctx)
	}},
	{"events", "events", "Event types and listener counts", 0, 0, func(ctx context.Context, a *companion, _ []string) (any, error) {
		return a.client.GetEvents(ctx)
	}},
	{"services", "services", "Callable services", 0, 0, func(ctx context.Context, a *companion, _ []string) (any, error) {
		return a.client.GetServices(ctx)
	}},
	{"states", "states", "All entity states", 0, 0, func(ctx context.Context, a *companion, _ []string) (any, error) {
		return a.client.GetStates(ctx)
	}},
	{"state", "state <entity_id>", "State of one entity", 1, 1, func(ctx context.Context, a *companion, args []string) (any, error) {
		return a.client.GetState(ctx, args[0])
	}},
	{"history", "history [since]", "State history since a date, default the last 24h", 0, 1, func(ctx context.Context, a *companion, args []string) (any, error) {
		since := time.Now().Add(-24 * time.Hour)
		if len(args) == 1 {
			var err error
			if since, err = parseSince(args[0]); err != nil {
				return nil, err
			}
		}
		return a.client.GetHistoryPeriod(ctx, since)
	}},
	{"error-log", "error-log", "Hub error log", 0, 0, func(ctx context.Context, a *companion, _ []string) (any, error) {
		return a.client.GetErrorLog(ctx)
	}},
	{"set-state", "set-state <entity_id> <state>", "Overwrite the state of an entity", 2, 2, func(ctx context.Context, a *companion, args []string) (any, error) {
		return a.commands.SetState(ctx, args[0], args[1])
	}},
	{"fire-event", "fire-event <event_type> [json]", "Fire an event", 1, 2, func(ctx context.Context, a *companion, args []string) (any, error) {
		data, err := parseData(args[1:])
		if err != nil {
			return nil, err
		}
		return a.commands.CreateEvent(ctx, args[0], data)
	}},
	{"call", "call <domain> <service> [json]", "Call a service", 2, 3, func(ctx context.Context, a *companion, args []string) (any, error) {
		data, err := parseData(args[2:])
		if err != nil {
			return nil, err
		}
		return a.commands.CallService(ctx, args[0], args[1], data)
	}},
	{"turn-on", "turn-on <entity_id>", "Turn an entity on", 1, 1, func(ctx context.Context, a *companion, args []string) (any, error) {
		return a.commands.TurnOn(ctx, args[0])
	}},
	{"turn-off", "turn-off <entity_id>", "Turn an entity off", 1, 1, func(ctx context.Context, a *companion, args []string) (any, error) {
		return a.commands.TurnOff(ctx, args[0])
	}},
	{"toggle", "toggle <entity_id>", "Toggle an entity", 1, 1, func(ctx context.Context, a *companion, args []string) (any, error) {
		return a.commands.Toggle(ctx, args[0])
	}},
	{"locate", "locate <lat> <lon> [accuracy]", "Report a one off location for location.deviceid", 2, 3, func(ctx context.Context, a *companion, args []string) (any, error) {
		return a.locate(ctx, args)
	}},
	{"run", "run", "Stream events, track location and serve metrics (default)", 0, 0, func(ctx context.Context, a *companion, _ []string) (any, error) {
		return nil, a.run(ctx)
	}},
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// runCommand executes args[0] and prints its result as JSON.
func (a *companion) runCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		args = []string{"run"}
	}
	c, ok := findCommand(args[0])
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	params := args[1:]
	if len(params) < c.minArgs || len(params) > c.maxArgs {
		return fmt.Errorf("%w: usage %s", errUsage, c.usage)
	}
	result, err := c.run(ctx, a, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return printJSON(a.out, result)
}

// locate feeds the given fix into a one-shot provider and reports it.
func (a *companion) locate(ctx context.Context, args []string) (any, error) {
	fixArgs := args[0] + "," + args[1]
	if len(args) == 3 {
		fixArgs += "," + args[2]
	}
	fix, err := haLocation.ParseFix(fixArgs)
	if err != nil {
		return nil, err
	}
	if fix.Accuracy > haLocation.DefaultOneshotAccuracy {
		return nil, fmt.Errorf("accuracy %.0f m is worse than the %.0f m a one off update requires", fix.Accuracy, haLocation.DefaultOneshotAccuracy)
	}

	provider := haLocation.NewFeedProvider()
	provider.Feed(fix)
	reporter := a.newLocationReporter(provider)

	ok, err := reporter.SendOneshotLocation(ctx)
	reporter.Close()
	if err != nil {
		return nil, err
	}
	return map[string]any{"reported": ok, "device_id": a.config.Location.DeviceId}, nil
}

func (a *companion) newLocationReporter(provider haLocation.LocationProvider) *haLocation.HaLocationReporter {
	return haLocation.NewHaLocationReporter(
		haLocation.Config{
			DeviceId:      a.config.Location.DeviceId,
			HomeLatitude:  a.config.Location.Home.Latitude,
			HomeLongitude: a.config.Location.Home.Longitude,
		},
		a.commands,
		provider,
		haLocation.NewHostDevice(a.logger),
		a.notifier,
		a.logger,
		haLocation.WithReportObserver(a.metrics.observeLocationReport),
	)
}

func parseSince(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	if hours, err := strconv.Atoi(s); err == nil && hours > 0 {
		return time.Now().Add(-time.Duration(hours) * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q as a date", errUsage, s)
}

func parseData(args []string) (map[string]any, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(args[0]), &data); err != nil {
		return nil, fmt.Errorf("%w: service data must be a JSON object: %v", errUsage, err)
	}
	return data, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
