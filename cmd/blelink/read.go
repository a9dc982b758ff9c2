package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> [uuid]",
	Short: "Read characteristic values",
	Long: fmt.Sprintf(`Reads the value of one or more BLE characteristics.

The device is located by scanning, connected, discovered and read. The link
is dropped once all values are printed.

Examples:
  # Read the battery level
  blelink read %s 2a19

  # Read several characteristics as hex
  blelink read %s --char 2a29,2a24 --hex

  # Read every readable characteristic of the Device Information service
  blelink read %s --service 180a

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readCharUUIDs   string
	readHex         bool
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().StringVar(&readCharUUIDs, "char", "", "Comma-separated characteristic UUIDs")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Print values as hex")
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]
	chars := readCharUUIDs
	if len(args) == 2 {
		chars = args[1]
	}
	if chars == "" && readServiceUUID == "" {
		return fmt.Errorf("UUID required: provide as second argument or via --char/--service flag")
	}

	s, err := openSession(cmd, logrus.PanicLevel, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	progress := NewProgressPrinter(os.Stderr, fmt.Sprintf("Reading from %s", address), "Scanning")
	progress.Start()
	defer progress.Stop()

	services, err := s.connect(address, s.scanOptions(), progress.SetPhase)
	if err != nil {
		return err
	}
	defer s.disconnect(address)

	targets, err := resolveTargets(services, chars, readServiceUUID, device.Properties.CanRead)
	if err != nil {
		return err
	}

	progress.SetPhase("Reading")
	values := make([][]byte, len(targets))
	for i, t := range targets {
		if !t.props.CanRead() {
			return fmt.Errorf("characteristic %s does not support read operations", device.ShortenUUID(t.ref.Characteristic))
		}
		v, err := s.client.Read(s.ctx, address, t.ref.Service, t.ref.Characteristic)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", device.ShortenUUID(t.ref.Characteristic), err)
		}
		values[i] = v
	}
	progress.Stop()

	printValues(os.Stdout, targets, values, readHex)
	return nil
}

// printValues prints one value per line, prefixed by the characteristic when there are several.
func printValues(w io.Writer, targets []target, values [][]byte, asHex bool) {
	for i, t := range targets {
		v := formatValue(values[i], asHex)
		if len(targets) == 1 {
			fmt.Fprintln(w, v)
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", device.ShortenUUID(t.ref.Characteristic), v)
	}
}

// formatValue renders printable payloads as text and everything else as hex.
func formatValue(v []byte, asHex bool) string {
	if asHex || !isPrintable(v) {
		return strings.ToUpper(hex.EncodeToString(v))
	}
	return string(v)
}

func isPrintable(v []byte) bool {
	for _, b := range v {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}
