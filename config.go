package main

import (
	"flag"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haConfig"
)

type cliFlags struct {
	configPath string
	args       []string
}

func initCliFlags(args []string, output io.Writer) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("ha-companion", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.configPath, "configFile", haConfig.DefaultConfigFile, "Path to the config.yaml File.")
	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: ha-companion [-configFile config.yaml] <command> [args]\n\nCommands:\n")
		for _, c := range commands {
			fmt.Fprintf(output, "  %-34s %s\n", c.usage, c.help)
		}
		fmt.Fprintln(output)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	f.args = fs.Args()
	return f, nil
}

func initLogger(logfile string) *zap.SugaredLogger {
	logger, err := haConfig.NewLogger(logfile)
	if err != nil {
		// fall back to stdout only
		logger, _ = haConfig.NewLogger("")
		logger.Sugar().Warnf("Unable to open log file %s: %v", logfile, err)
	}
	return logger.Sugar()
}

// initConfig loads and validates the configuration. Start-up messages go to a
// stdout-only logger since the log file location is part of the configuration.
func initConfig(path string) (haConfig.Config, error) {
	bootstrap := initLogger("")
	defer bootstrap.Sync()

	cfg, err := haConfig.Load(path, bootstrap)
	if err != nil {
		return cfg, fmt.Errorf("error while reading config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
