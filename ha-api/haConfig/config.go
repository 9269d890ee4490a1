package haConfig

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haClient"
	"github.com/zabeloliver/ha-companion/ha-api/haStream"
)

const (
	EnvPrefix         = "ha"
	DefaultConfigFile = "config.yaml"
	DefaultLogFile    = "ha_companion.log"
)

var ErrMissingApiUrl = errors.New("api.url is not configured")

type ApiConfig struct {
	Url     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
}

type StreamConfig struct {
	Backoff BackoffConfig `mapstructure:"backoff"`
}

type HomeConfig struct {
	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
}

type LocationConfig struct {
	DeviceId string `mapstructure:"deviceid"`
	Tracking bool   `mapstructure:"tracking"`
	// Source is a file with one "lat,lon[,accuracy]" fix per line, or "-" for stdin.
	Source string     `mapstructure:"source"`
	Home   HomeConfig `mapstructure:"home"`
}

type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	File string `mapstructure:"file"`
}

type InfluxConfig struct {
	Host   string `mapstructure:"host"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

type MqttConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientId    string `mapstructure:"clientid"`
	TopicPrefix string `mapstructure:"topicprefix"`
}

type Config struct {
	Api      ApiConfig      `mapstructure:"api"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Location LocationConfig `mapstructure:"location"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	InfluxDB InfluxConfig   `mapstructure:"influxdb"`
	Mqtt     MqttConfig     `mapstructure:"mqtt"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "http://localhost:8123")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("stream.backoff.initial", haStream.DefaultInitialBackoff)
	v.SetDefault("stream.backoff.max", haStream.DefaultMaxBackoff)
	v.SetDefault("location.deviceid", "")
	v.SetDefault("location.tracking", false)
	v.SetDefault("location.source", "-")
	v.SetDefault("location.home.latitude", 0.0)
	v.SetDefault("location.home.longitude", 0.0)
	v.SetDefault("metrics.port", 9123)
	v.SetDefault("logging.file", DefaultLogFile)
	v.SetDefault("influxdb.host", "http://localhost:8086")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "")
	v.SetDefault("influxdb.bucket", "homeassistant")
	v.SetDefault("mqtt.broker", "localhost:1883")
	v.SetDefault("mqtt.clientid", "")
	v.SetDefault("mqtt.topicprefix", "homeassistant")
}

// Load reads the yaml file at path on top of the defaults. Environment variables
// prefixed with HA_ override both, e.g. HA_API_TOKEN for api.token. A missing file
// is not an error.
func Load(path string, logger *zap.SugaredLogger) (Config, error) {
	v := viper.New()
	setDefaults(v)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetConfigType("yaml")

	cfg, err := os.ReadFile(path)
	if err != nil {
		logger.Infof("No configuration file found at %s. Using default config", path)
	} else if err = v.ReadConfig(bytes.NewBuffer(cfg)); err != nil {
		return Config{}, err
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	logger.Debugf("Configuration from %v", redacted(v.AllSettings()))
	return c, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Api.Url) == "" {
		return ErrMissingApiUrl
	}
	return nil
}

func (c Config) ConnectionConfig() (haClient.ConnectionConfig, error) {
	return haClient.NewConnectionConfig(c.Api.Url, c.Api.Token)
}

func (c Config) StreamBackoff() haStream.BackoffConfig {
	return haStream.BackoffConfig{
		Initial: c.Stream.Backoff.Initial,
		Max:     c.Stream.Backoff.Max,
		Jitter:  0.25,
	}
}

func redacted(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		switch val := v.(type) {
		case map[string]any:
			out[k] = redacted(val)
		default:
			if k == "token" && val != "" {
				out[k] = "***"
			} else {
				out[k] = val
			}
		}
	}
	return out
}

// NewLogger builds the production logger writing to stdout and logfile.
func NewLogger(logfile string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	if logfile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logfile)
	}
	return cfg.Build()
}
