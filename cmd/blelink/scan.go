package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/notify"
	"github.com/srg/blelink/pkg/ble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Discovered devices are listed with their names, addresses, RSSI values and
advertised services once the scan window closes. With --watch every new
device is printed as soon as it is seen.

Examples:
  # Scan with the configured window
  blelink scan

  # Heart rate monitors only, as JSON
  blelink scan --services 180d --format json

  # Stop at the first device advertising the Nordic UART service
  blelink scan --services 6e400001-b5a3-f393-e0a9-e50e24dcca9e --first`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanFormat     string
	scanServices   []string
	scanAllowList  []string
	scanBlockList  []string
	scanFirst      bool
	scanDuplicates bool
	scanWatch      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan window (default from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only report devices advertising these service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanFirst, "first", false, "Stop at the first matching device")
	scanCmd.Flags().BoolVar(&scanDuplicates, "duplicates", false, "Report repeated advertisements (updates RSSI)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print devices as they are discovered")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if _, err := device.CanonicalizeAll(scanServices); err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}

	s, err := openSession(cmd, logrus.PanicLevel, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := s.scanOptions()
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}
	opts.Services = scanServices
	opts.StopOnFirstResult = scanFirst
	opts.AllowDuplicates = opts.AllowDuplicates || scanDuplicates
	opts.AllowList = scanAllowList
	opts.BlockList = scanBlockList

	if scanWatch {
		l := s.client.Listen(notify.Filter{Kinds: []notify.Kind{notify.DeviceFound}})
		defer l.Close()
		go printDiscoveries(os.Stdout, l, opts)
	} else {
		progress := NewCountdownProgressPrinter(os.Stderr, "Scanning for BLE devices", "Scanning", opts.Duration)
		progress.Start()
		defer progress.Stop()
	}

	entries, err := s.client.Scan(s.ctx, opts)
	if err != nil {
		if errors.Is(err, s.ctx.Err()) {
			fmt.Fprintln(os.Stderr, "\nScan cancelled")
			return nil
		}
		return err
	}
	return displayEntries(os.Stdout, entries, scanFormat)
}

// printDiscoveries streams one line per discovered device until l closes.
func printDiscoveries(w io.Writer, l *notify.Listener, opts ble.ScanOptions) {
	for n := range l.C() {
		if !includes(opts, n.DeviceID) {
			continue
		}
		fmt.Fprintf(w, "%s  %-20s %4d dBm\n", color.GreenString("+"), displayName(n.Entry), n.Entry.RSSI)
	}
}

func includes(opts ble.ScanOptions, id string) bool {
	for _, b := range opts.BlockList {
		if strings.EqualFold(b, id) {
			return false
		}
	}
	if len(opts.AllowList) == 0 {
		return true
	}
	for _, a := range opts.AllowList {
		if strings.EqualFold(a, id) {
			return true
		}
	}
	return false
}

func displayName(e device.ScanEntry) string {
	if e.Name == "" {
		return e.ID
	}
	return fmt.Sprintf("%s (%s)", e.Name, e.ID)
}

// displayEntries prints scan results sorted by signal strength.
func displayEntries(w io.Writer, entries []device.ScanEntry, format string) error {
	sorted := append([]device.ScanEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RSSI > sorted[j].RSSI
	})

	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(toJSONEntries(sorted))
	}

	if len(sorted) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, color.New(color.Bold).Sprint("NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN"))
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, e := range sorted {
		name := e.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		short := make([]string, 0, len(e.Advertisement.Services))
		for _, s := range e.Advertisement.Services {
			short = append(short, device.ShortenUUID(s))
		}
		services := strings.Join(short, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		lastSeen := time.Since(e.LastSeen).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s ago\n", name, e.ID, e.RSSI, services, lastSeen)
	}
	return tw.Flush()
}

type jsonEntry struct {
	Address          string            `json:"address"`
	Name             string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi"`
	Services         []string          `json:"services,omitempty"`
	ManufacturerData map[uint16]string `json:"manufacturer_data,omitempty"`
	ServiceData      map[string]string `json:"service_data,omitempty"`
	TxPower          *int              `json:"tx_power,omitempty"`
	Connectable      *bool             `json:"connectable,omitempty"`
	FirstSeen        time.Time         `json:"first_seen"`
	LastSeen         time.Time         `json:"last_seen"`
}

func toJSONEntries(entries []device.ScanEntry) []jsonEntry {
	out := make([]jsonEntry, 0, len(entries))
	for _, e := range entries {
		je := jsonEntry{
			Address:     e.ID,
			Name:        e.Name,
			RSSI:        e.RSSI,
			Services:    e.Advertisement.Services,
			TxPower:     e.Advertisement.TxPower,
			Connectable: e.Advertisement.Connectable,
			FirstSeen:   e.FirstSeen,
			LastSeen:    e.LastSeen,
		}
		if len(e.Advertisement.ManufacturerData) > 0 {
			je.ManufacturerData = make(map[uint16]string, len(e.Advertisement.ManufacturerData))
			for k, v := range e.Advertisement.ManufacturerData {
				je.ManufacturerData[k] = fmt.Sprintf("%X", v)
			}
		}
		if len(e.Advertisement.ServiceData) > 0 {
			je.ServiceData = make(map[string]string, len(e.Advertisement.ServiceData))
			for k, v := range e.Advertisement.ServiceData {
				je.ServiceData[k] = fmt.Sprintf("%X", v)
			}
		}
		out = append(out, je)
	}
	return out
}
