package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/bridge/mqtt"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/metrics"
	"github.com/srg/blelink/internal/notify"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>...",
	Short: "Forward device notifications to MQTT",
	Long: fmt.Sprintf(`Connects to one or more devices, subscribes to every characteristic that
supports notifications or indications, and publishes each value to an MQTT
broker as JSON.

Topics live under the configured prefix:
  <prefix>/status                      bridge online/offline (retained)
  <prefix>/<device>/<service>/<char>   characteristic values
  <prefix>/<device>/disconnected       link loss

The bridge exits when any device disconnects so a supervisor can restart it.

Examples:
  # Bridge a heart rate monitor to a local broker
  blelink bridge %s

  # Custom broker and Prometheus metrics
  BLELINK_MQTT_BROKER=tcp://broker:1883 blelink bridge %s --metrics-listen :9100

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MinimumNArgs(1),
	RunE: runBridge,
}

var bridgeMetricsListen string

func init() {
	bridgeCmd.Flags().StringVar(&bridgeMetricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address (overrides config)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	devIDs := make(map[string]bool, len(args))
	for _, a := range args {
		id, err := device.NormalizeDeviceID(a)
		if err != nil {
			return err
		}
		devIDs[id] = true
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	s, err := openSession(cmd, cfg.Level(), m)
	if err != nil {
		return err
	}
	defer s.Close()

	listen := cfg.Metrics.Listen
	if bridgeMetricsListen != "" {
		listen = bridgeMetricsListen
	}
	if listen != "" {
		reg, err := metrics.NewRegistry(m)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		groutine.Go(s.ctx, "metrics-server", func(ctx context.Context) {
			if err := metrics.Serve(ctx, listen, reg, s.logger); err != nil {
				s.logger.WithError(err).Error("Metrics server failed")
			}
		})
	}

	broker, err := mqtt.Connect(s.cfg.MQTT, s.logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	// attach before subscribing so the first values are forwarded
	values := s.client.Listen(notify.Filter{})
	defer values.Close()
	lost := s.client.Listen(notify.Filter{Kinds: []notify.Kind{notify.DeviceDisconnected}})
	defer lost.Close()

	for id := range devIDs {
		n, err := s.subscribeAll(id)
		if err != nil {
			return err
		}
		s.logger.WithField("address", id).WithField("characteristics", n).Info("Bridging device")
		defer s.disconnect(id)
	}

	bridge := mqtt.NewBridge(broker, mqtt.BridgeOptionsFromConfig(s.cfg.MQTT, s.logger, m))
	errCh := make(chan error, 1)
	groutine.Go(s.ctx, "mqtt-bridge", func(ctx context.Context) {
		errCh <- bridge.Run(ctx, values)
	})

	fmt.Fprintf(os.Stderr, "Bridging %d device(s) to %s, press Ctrl+C to stop\n", len(devIDs), s.cfg.MQTT.Broker)
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case n, ok := <-lost.C():
			if !ok {
				return nil
			}
			if devIDs[n.DeviceID] {
				return fmt.Errorf("device %s: %w", n.DeviceID, ErrConnectionLost)
			}
		}
	}
}

// subscribeAll connects to address and enables every notifiable characteristic.
func (s *session) subscribeAll(address string) (int, error) {
	services, err := s.connect(address, s.scanOptions(), func(phase string) {
		s.logger.WithField("address", address).Debug(phase)
	})
	if err != nil {
		return 0, err
	}

	engine := s.client.Engine()
	count := 0
	for _, svc := range services {
		for _, c := range svc.Characteristics {
			if !c.Properties.CanSubscribe() {
				continue
			}
			if err := engine.Subscribe(address, svc.UUID, c.UUID); err != nil {
				return count, fmt.Errorf("failed to subscribe to %s: %w", device.ShortenUUID(c.UUID), err)
			}
			count++
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("device %s has no notifiable characteristics: %w", address, device.ErrAttributeNotFound)
	}
	return count, nil
}
