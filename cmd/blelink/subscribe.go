package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/notify"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> [uuid]",
	Short: "Print characteristic notifications",
	Long: fmt.Sprintf(`Subscribes to notifications or indications and prints every value received.

Runs until Ctrl+C, until --count values have arrived, or until the device
disconnects.

Examples:
  # Heart rate measurements
  blelink subscribe %s 2a37 --hex

  # Every notifiable characteristic of a vendor service, 10 values
  blelink subscribe %s --service 6e400001-b5a3-f393-e0a9-e50e24dcca9e --count 10

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeCharUUIDs   string
	subscribeHex         bool
	subscribeCount       int
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	subscribeCmd.Flags().StringVar(&subscribeCharUUIDs, "char", "", "Comma-separated characteristic UUIDs")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Print values as hex")
	subscribeCmd.Flags().IntVarP(&subscribeCount, "count", "n", 0, "Stop after N values (0 = unlimited)")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address := args[0]
	chars := subscribeCharUUIDs
	if len(args) == 2 {
		chars = args[1]
	}
	if chars == "" && subscribeServiceUUID == "" {
		return fmt.Errorf("UUID required: provide as second argument or via --char/--service flag")
	}
	devID, err := device.NormalizeDeviceID(address)
	if err != nil {
		return err
	}

	s, err := openSession(cmd, logrus.PanicLevel, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	progress := NewProgressPrinter(os.Stderr, fmt.Sprintf("Subscribing on %s", address), "Scanning")
	progress.Start()
	defer progress.Stop()

	services, err := s.connect(address, s.scanOptions(), progress.SetPhase)
	if err != nil {
		return err
	}
	defer s.disconnect(address)

	targets, err := resolveTargets(services, chars, subscribeServiceUUID, device.Properties.CanSubscribe)
	if err != nil {
		return err
	}

	l := s.client.Listen(notify.Filter{
		Kinds:    []notify.Kind{notify.CharacteristicValue, notify.DeviceDisconnected},
		DeviceID: devID,
	})
	defer l.Close()

	engine := s.client.Engine()
	for _, t := range targets {
		if !t.props.CanSubscribe() {
			return fmt.Errorf("characteristic %s does not support notifications", device.ShortenUUID(t.ref.Characteristic))
		}
		if err := engine.Subscribe(devID, t.ref.Service, t.ref.Characteristic); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", device.ShortenUUID(t.ref.Characteristic), err)
		}
		defer func(ref device.AttributeRef) {
			_ = engine.Unsubscribe(devID, ref.Service, ref.Characteristic)
		}(t.ref)
	}
	progress.Stop()

	fmt.Fprintf(os.Stderr, "Subscribed to %d characteristic(s), press Ctrl+C to stop\n", len(targets))
	return printNotifications(s.ctx.Done(), os.Stdout, l, subscribeCount, subscribeHex)
}

// printNotifications prints values from l until done closes or count values were printed.
func printNotifications(done <-chan struct{}, w io.Writer, l *notify.Listener, count int, asHex bool) error {
	received := 0
	for {
		select {
		case <-done:
			return nil
		case n, ok := <-l.C():
			if !ok {
				return nil
			}
			if n.Kind == notify.DeviceDisconnected {
				return ErrConnectionLost
			}
			if n.Err != nil {
				fmt.Fprintf(w, "%s %s: error: %v\n", n.At.Format("15:04:05.000"), device.ShortenUUID(n.Attribute.Characteristic), n.Err)
				continue
			}
			fmt.Fprintf(w, "%s %s: %s\n", n.At.Format("15:04:05.000"), device.ShortenUUID(n.Attribute.Characteristic), formatValue(n.Value, asHex))

			received++
			if count > 0 && received >= count {
				return nil
			}
		}
	}
}
