package cmd

import (
	"fmt"
	"os"
	"strings"

	"obdash/internal/cmd/root"
	"obdash/internal/obd"
	"obdash/internal/obd/ble"
	"obdash/internal/obd/serial"
	"obdash/internal/publish"
	"obdash/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "obdash",
	Short: "Live OBD-II dashboard for ELM327 adapters",
	Run:   root.Run,
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (yaml, toml or json)")
	flags.Bool("debug", false, "Enable debug mode")
	flags.Bool("no-tui", false, "Run without TUI and print a summary")
	flags.Bool("mock", false, "Use the emulated ELM327 adapter")
	flags.String("transport", "ble", "Adapter transport: ble or serial")
	flags.String("port", "", "Serial port (auto-detected when empty)")
	flags.Int("baud", serial.DefaultBaud, "Baud rate for serial connection")
	flags.String("ble-name", "", "Only connect to BLE adapters whose name contains this")
	flags.String("ble-service", ble.DefaultService, "BLE service UUID")
	flags.String("ble-notify", ble.DefaultNotify, "BLE notify characteristic UUID")
	flags.String("ble-write", ble.DefaultWrite, "BLE write characteristic UUID")
	flags.Duration("scan-timeout", ble.DefaultScanTimeout, "How long to scan for a BLE adapter")
	flags.Duration("poll-interval", obd.DefaultPollInterval, "Delay between PID requests")
	flags.Duration("dtc-timeout", obd.DefaultCommandTimeout, "Timeout for reading trouble codes")
	flags.String("listen", "", "Serve the websocket feed on this address (e.g. :8080)")
	flags.String("mqtt-broker", "", "Forward readings to this MQTT broker")
	flags.String("mqtt-topic", publish.DefaultTopic, "MQTT base topic")
	flags.Duration("mqtt-interval", publish.DefaultInterval, "MQTT publish interval")

	for _, name := range []string{
		"debug", "no-tui", "mock", "transport", "port", "baud",
		"ble-name", "ble-service", "ble-notify", "ble-write", "scan-timeout",
		"poll-interval", "dtc-timeout", "listen",
		"mqtt-broker", "mqtt-topic", "mqtt-interval",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}

	// Set default values
	viper.SetDefault("debug", false)
	viper.SetDefault("no-tui", false)
	viper.SetDefault("mock", false)
	viper.SetDefault("transport", "ble")
	viper.SetDefault("baud", serial.DefaultBaud)
	viper.SetDefault("scan-timeout", ble.DefaultScanTimeout)
	viper.SetDefault("poll-interval", obd.DefaultPollInterval)
	viper.SetDefault("dtc-timeout", obd.DefaultCommandTimeout)
	viper.SetDefault("mqtt-topic", publish.DefaultTopic)
	viper.SetDefault("mqtt-interval", publish.DefaultInterval)
}

func initConfig() {
	viper.SetEnvPrefix("obdash")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config %s: %v\n", cfgFile, err)
		os.Exit(1)
	}
}

func initLogger() {
	log.InitLogger(viper.GetBool("debug"))
	if f := viper.ConfigFileUsed(); f != "" {
		log.Debug("config loaded", zap.String("file", f))
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
