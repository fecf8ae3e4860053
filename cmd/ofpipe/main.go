// ofpipe runs an openflow switch pipeline from a configuration file.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hkwi/ofpipe/ofctl"
	"github.com/hkwi/ofpipe/ofp4sw"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type portConfig struct {
	Number uint32 `mapstructure:"number"`
	Name   string `mapstructure:"name"`
	// Pcap is the file egress frames are written to.
	Pcap string `mapstructure:"pcap"`
}

type config struct {
	Switch         ofp4sw.Config `mapstructure:"switch"`
	Ports          []portConfig  `mapstructure:"ports"`
	Groups         []string      `mapstructure:"groups"`
	Flows          []string      `mapstructure:"flows"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	ExpireInterval time.Duration `mapstructure:"expire_interval"`
	Workers        int           `mapstructure:"workers"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
}

var configFile string

var rootCmd = &cobra.Command{
	Use:           "ofpipe",
	Short:         "OpenFlow switch pipeline",
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (toml, yaml or json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
}

func setDefaults(v *viper.Viper) {
	def := ofp4sw.DefaultConfig()
	v.SetDefault("switch.name", def.Name)
	v.SetDefault("switch.version", def.Version)
	v.SetDefault("switch.tables", def.Tables)
	v.SetDefault("switch.max_ports", def.MaxPorts)
	v.SetDefault("switch.strategy", def.Strategy)
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("expire_interval", time.Second)
	v.SetDefault("workers", 4)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

func loadConfig() (config, error) {
	var cfg config
	v := viper.New()
	setDefaults(v)
	if err := v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		return cfg, errors.WithStack(err)
	}
	v.SetEnvPrefix("OFPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	if err := configureLogging(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func configureLogging(cfg config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return errors.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return nil
}

// logController reports asynchronous messages to the log.
type logController struct {
	log *log.Entry
}

func (c logController) PacketIn(p ofp4sw.PacketIn) {
	c.log.WithFields(log.Fields{
		"in_port": p.InPort,
		"table":   p.TableId,
		"reason":  p.Reason,
		"cookie":  fmt.Sprintf("0x%x", p.Cookie),
	}).Info("packet-in ", p.Frame)
}

func (c logController) FlowRemoved(r ofp4sw.FlowRemoved) {
	c.log.WithFields(log.Fields{
		"table":  r.TableId,
		"reason": r.Reason,
	}).Info("flow removed ", ofctl.FormatFlow(r.FlowStats))
}

// buildSwitch creates the switch and installs the static groups and
// flows. Ports are attached by the caller.
func buildSwitch(cfg config) (*ofp4sw.Switch, error) {
	entry := log.WithField("component", "ofpipe")
	sw, err := ofp4sw.NewSwitch(cfg.Switch, logController{log: entry}, entry)
	if err != nil {
		return nil, err
	}
	if err := install(sw.Pipeline(), cfg); err != nil {
		sw.Close()
		return nil, err
	}
	return sw, nil
}

func install(pipe *ofp4sw.Pipeline, cfg config) error {
	for _, txt := range cfg.Groups {
		mod, err := ofctl.ParseGroup(txt)
		if err != nil {
			return errors.Wrapf(err, "group %q", txt)
		}
		if err := pipe.AddGroup(mod); err != nil {
			return err
		}
	}
	for _, txt := range cfg.Flows {
		flow, err := ofctl.ParseFlow(txt)
		if err != nil {
			return errors.Wrapf(err, "flow %q", txt)
		}
		if err := pipe.AddFlow(flow.Mod); err != nil {
			return errors.Wrapf(err, "flow %q", txt)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
