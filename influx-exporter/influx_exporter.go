package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	influxdb2 "github.com/influxdata/influxdb-client-go"

	"github.com/zabeloliver/ha-companion/ha-api/haConfig"
	"github.com/zabeloliver/ha-companion/ha-api/haNotify"
	"github.com/zabeloliver/ha-companion/ha-api/haStream"
	"github.com/zabeloliver/ha-companion/ha-api/haStructs"
)

const (
	measurement  = "ha_state"
	writeTimeout = 10 * time.Second
)

var (
	tagEscaper    = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
	stringEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// lineWriter is the part of api.WriteAPIBlocking the exporter needs.
type lineWriter interface {
	WriteRecord(ctx context.Context, line ...string) error
}

type influxExporter struct {
	writer lineWriter
	logger *zap.SugaredLogger
	now    func() time.Time
}

// stateLine renders the new state of change as line protocol. Numeric and binary states
// become a value field, everything else a string field.
func stateLine(change haStructs.StateChange, ts time.Time) (string, bool) {
	if change.NewState == nil {
		return "", false
	}
	state := change.NewState.State
	if !change.NewState.LastUpdated.IsZero() {
		ts = change.NewState.LastUpdated
	}

	var field string
	if value, ok := haStructs.NumericState(state); ok {
		field = "value=" + strconv.FormatFloat(value, 'f', -1, 64)
	} else {
		field = `state="` + stringEscaper.Replace(state) + `"`
	}
	return fmt.Sprintf("%s,entity_id=%s,domain=%s %s %d",
		measurement,
		tagEscaper.Replace(change.EntityId),
		tagEscaper.Replace(haStructs.EntityDomain(change.EntityId)),
		field,
		ts.UTC().UnixNano()), true
}

func (e *influxExporter) writeStreamEventsToInfluxDB(event haStructs.StreamEvent) {
	change, ok := haStructs.ParseStateChange(event)
	if !ok {
		e.logger.Debug(event)
		return
	}
	influxLine, ok := stateLine(change, e.now())
	if !ok {
		e.logger.Infof("%s removed", change.EntityId)
		return
	}
	e.logger.Info(influxLine)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := e.writer.WriteRecord(ctx, influxLine); err != nil {
		e.logger.Errorf("Error writing %s to InfluxDB: %v", change.EntityId, err)
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

	sugar.Info("Starting Influx-Exporter")
	if err := cfg.Validate(); err != nil {
		sugar.Fatal(err)
	}
	conn, err := cfg.ConnectionConfig()
	if err != nil {
		sugar.Fatal(err)
	}

	// Create a new client using an InfluxDB server base URL and an authentication token
	influxClient := influxdb2.NewClient(cfg.InfluxDB.Host, cfg.InfluxDB.Token)
	defer influxClient.Close()
	// Use blocking write client for writes to desired bucket
	exporter := &influxExporter{
		writer: influxClient.WriteAPIBlocking(cfg.InfluxDB.Org, cfg.InfluxDB.Bucket),
		logger: sugar,
		now:    time.Now,
	}

	stream := haStream.NewHaStreamClient(conn, haNotify.NewLogNotifier(sugar), sugar,
		haStream.WithBackoff(cfg.StreamBackoff()))
	stream.Subscribe(haStructs.EventStateChanged, exporter.writeStreamEventsToInfluxDB)

	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		sugar.Info("Catch Keyboard interrupt")
		cancel()
	}()

	_ = stream.Run(ctx)
	sugar.Info("Influx-Exporter stopped")
}
