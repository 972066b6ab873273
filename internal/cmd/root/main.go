package root

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"obdash/internal/displayer"
	"obdash/internal/dtc"
	"obdash/internal/feed"
	"obdash/internal/models"
	"obdash/internal/obd"
	"obdash/internal/obd/ble"
	"obdash/internal/obd/mock"
	"obdash/internal/obd/serial"
	"obdash/internal/publish"
	"obdash/internal/simulator"
	"obdash/internal/store"
	"obdash/pkg/log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const warmUp = 5 * time.Second

func Run(cmd *cobra.Command, args []string) {
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := simulator.NewEngine(time.Now().UnixNano())

	discoverer, err := newDiscoverer(engine)
	if err != nil {
		log.Fatal("invalid transport configuration", zap.Error(err))
	}

	adapter := obd.New(discoverer, obd.Config{
		PollInterval:   viper.GetDuration("poll-interval"),
		CommandTimeout: viper.GetDuration("dtc-timeout"),
	})
	sim := simulator.New(engine, simulator.DefaultInterval)
	st := store.New(adapter, sim, dtc.MustDefault())
	adapter.Subscribe(st.OnStatus, st.OnData)

	if addr := viper.GetString("listen"); addr != "" {
		srv := feed.New(addr, st)
		st.AddSink(srv.Publish)
		st.AddStatusSink(srv.PublishStatus)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error("feed server stopped", zap.Error(err))
			}
		}()
	}

	if broker := viper.GetString("mqtt-broker"); broker != "" {
		pub := publish.New(publish.Config{
			Broker:   broker,
			Topic:    viper.GetString("mqtt-topic"),
			Interval: viper.GetDuration("mqtt-interval"),
		}, st.FetchDTCs)
		if err := pub.Connect(); err != nil {
			log.Error("failed to connect to MQTT broker", zap.String("broker", broker), zap.Error(err))
		} else {
			st.AddSink(pub.Observe)
			st.AddStatusSink(pub.PublishStatus)
			pub.Start()
			defer pub.Stop()
		}
	}

	connect := func() {
		if err := adapter.Connect(ctx); err != nil && !errors.Is(err, obd.ErrAlreadyConnected) {
			log.Error("failed to connect to OBD adapter, showing simulated data", zap.Error(err))
		}
	}

	defer func() {
		adapter.Disconnect()
		sim.Stop()
	}()

	if viper.GetBool("no-tui") {
		connect()
		select {
		case <-ctx.Done():
			return
		case <-time.After(warmUp):
		}
		printSummary(ctx, os.Stdout, st)
		return
	}

	d := displayer.New(st)
	d.Reconnect = connect
	go connect()
	go func() {
		<-ctx.Done()
		d.Shutdown()
	}()

	if err := d.Run(); err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func newDiscoverer(engine *simulator.Engine) (obd.Discoverer, error) {
	if viper.GetBool("mock") {
		engine.Raise("P0133")
		engine.Raise("P0420")
		return mock.New(engine, mock.Options{}), nil
	}

	switch transport := viper.GetString("transport"); transport {
	case "ble":
		return ble.New(ble.Config{
			Name:        viper.GetString("ble-name"),
			Service:     viper.GetString("ble-service"),
			Notify:      viper.GetString("ble-notify"),
			Write:       viper.GetString("ble-write"),
			ScanTimeout: viper.GetDuration("scan-timeout"),
		})
	case "serial":
		return serial.New(serial.Config{
			Port: viper.GetString("port"),
			Baud: viper.GetInt("baud"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

type summarySource interface {
	Latest() store.Snapshot
	Status() obd.ConnectionState
	Simulating() bool
	FetchDTCs(ctx context.Context) ([]models.DTCEntry, error)
}

func printSummary(ctx context.Context, w io.Writer, st summarySource) {
	fmt.Fprintf(w, "Status: %s", st.Status())
	if st.Simulating() {
		fmt.Fprint(w, " (simulated data)")
	}
	fmt.Fprintln(w)

	snap := st.Latest()
	fmt.Fprintln(w, "Latest reading:")
	if len(snap.Values) == 0 {
		fmt.Fprintln(w, "No data yet.")
	} else {
		channels := make([]string, 0, len(snap.Values))
		for ch := range snap.Values {
			channels = append(channels, string(ch))
		}
		sort.Strings(channels)
		for _, name := range channels {
			ch := obd.Channel(name)
			fmt.Fprintf(w, "- %s: %.1f %s\n", ch, snap.Values[ch], ch.Unit())
		}
	}

	timeout := viper.GetDuration("dtc-timeout")
	if timeout <= 0 {
		timeout = obd.DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()
	entries, err := st.FetchDTCs(ctx)
	if err != nil {
		log.Error("failed to get error codes", zap.Error(err))
		return
	}

	fmt.Fprintln(w, "Current DTC Error Codes:")
	if len(entries) == 0 {
		fmt.Fprintln(w, "No error codes.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "- %s [%s]: %s\n", e.Code, e.Severity, e.Description)
	}
}
