package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/bledb"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/pkg/ble"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect a device's GATT profile",
	Long: fmt.Sprintf(`Connects to a device and lists its services, characteristics and descriptors.

Readable characteristics are read and previewed up to --read-limit bytes.

Examples:
  # Full profile with value previews
  blelink inspect %s

  # Profile only, as JSON
  blelink inspect %s --read-limit 0 --json

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectReadLimit int
	inspectJSON      bool
)

func init() {
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read-limit", 32, "Bytes of each readable value to preview (0 disables reads)")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print the result as JSON")
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]
	if inspectReadLimit < 0 {
		return fmt.Errorf("--read-limit must not be negative")
	}

	s, err := openSession(cmd, logrus.PanicLevel, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	progress := NewProgressPrinter(os.Stderr, fmt.Sprintf("Inspecting %s", address), "Connecting")
	progress.Start()
	defer progress.Stop()

	res, err := s.client.Inspect(s.ctx, address, ble.InspectOptions{
		Scan:      s.scanOptions(),
		ReadLimit: inspectReadLimit,
	})
	if err != nil {
		return err
	}
	progress.Stop()

	if inspectJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(res)
	}
	printInspectResult(os.Stdout, res)
	return nil
}

// printInspectResult renders the profile as an indented tree.
func printInspectResult(w io.Writer, res *ble.InspectResult) {
	bold := color.New(color.Bold)
	title := res.Address
	if res.Name != "" {
		title = fmt.Sprintf("%s (%s)", res.Name, res.Address)
	}
	bold.Fprintf(w, "Device %s\n", title)
	if res.RSSI != 0 {
		fmt.Fprintf(w, "  RSSI: %d dBm\n", res.RSSI)
	}
	fmt.Fprintf(w, "  Services: %d\n", len(res.Services))

	for _, svc := range res.Services {
		fmt.Fprintf(w, "\n  %s %s\n", color.CyanString("Service"), named(svc.UUID, bledb.LookupService))
		for _, c := range svc.Characteristics {
			fmt.Fprintf(w, "    Characteristic %s [%s]\n", named(c.UUID, bledb.LookupCharacteristic), c.Properties)
			switch {
			case c.ReadError != "":
				fmt.Fprintf(w, "      %s %s\n", color.RedString("read failed:"), c.ReadError)
			case c.ValueHex != "":
				fmt.Fprintf(w, "      Value: %s", strings.ToUpper(c.ValueHex))
				if c.ValueASCII != "" {
					fmt.Fprintf(w, " %q", c.ValueASCII)
				}
				fmt.Fprintln(w)
			}
			for _, d := range c.Descriptors {
				fmt.Fprintf(w, "      Descriptor %s\n", named(d, bledb.LookupDescriptor))
			}
		}
	}
}

// named appends the assigned name of SIG ids, e.g. "180d (Heart Rate)".
func named(id string, lookup func(string) string) string {
	if name := lookup(id); name != "" {
		return fmt.Sprintf("%s (%s)", displayUUID(id), name)
	}
	return displayUUID(id)
}

// displayUUID prints SIG ids in their short form.
func displayUUID(id string) string {
	if _, ok := device.ShortCode(id); ok {
		return device.ShortenUUID(id)
	}
	return id
}
