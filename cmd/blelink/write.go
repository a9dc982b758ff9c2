package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <data>",
	Short: "Write to a characteristic",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic.

By default the write waits for the device acknowledgement. With
--without-response the command returns as soon as the write is queued.

Examples:
  # Write to characteristic (string data)
  blelink write %s 2a06 "high"

  # Write hex data
  blelink write %s 2a06 01 --hex

  # Write without response (faster, no ACK)
  blelink write %s 2a06 "data" --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeNoResponse  bool
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK)")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, charUUID := args[0], args[1]

	data, err := parseWriteData(args[2], writeHex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}

	s, err := openSession(cmd, logrus.PanicLevel, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	progress := NewProgressPrinter(os.Stderr, fmt.Sprintf("Writing %d bytes to %s on %s", len(data), charUUID, address), "Scanning")
	progress.Start()
	defer progress.Stop()

	services, err := s.connect(address, s.scanOptions(), progress.SetPhase)
	if err != nil {
		return err
	}
	defer s.disconnect(address)

	targets, err := resolveTargets(services, charUUID, writeServiceUUID, nil)
	if err != nil {
		return err
	}
	t := targets[0]

	requireAck, err := writeMode(t.props, writeNoResponse)
	if err != nil {
		return fmt.Errorf("characteristic %s: %w", device.ShortenUUID(t.ref.Characteristic), err)
	}

	progress.SetPhase("Writing")
	if err := s.client.Write(s.ctx, address, t.ref.Service, t.ref.Characteristic, data, requireAck); err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	progress.Stop()

	fmt.Println("Write successful")
	return nil
}

// parseWriteData converts input string to bytes; hex input tolerates common separators
func parseWriteData(dataStr string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(dataStr), nil
	}

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(dataStr)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

// writeMode picks acknowledged writes unless the caller opted out or the
// characteristic only supports unacknowledged ones.
func writeMode(props device.Properties, withoutResponse bool) (requireAck bool, err error) {
	switch {
	case !props.CanWrite() && !props.CanWriteWithoutResponse():
		return false, fmt.Errorf("does not support write operations")
	case withoutResponse && !props.CanWriteWithoutResponse():
		return false, fmt.Errorf("does not support write without response")
	case withoutResponse || !props.CanWrite():
		return false, nil
	default:
		return true, nil
	}
}
