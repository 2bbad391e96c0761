package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cptspacemanspiff/vitals-monitor/internal/collector"
	"github.com/cptspacemanspiff/vitals-monitor/internal/monitor"
	"github.com/cptspacemanspiff/vitals-monitor/internal/storage"
)

const callTimeout = 10 * time.Second

var (
	historyWindow string
	historyBucket string
)

var rootCmd = &cobra.Command{
	Use:          "vitalsctl",
	Short:        "Query the vitals-daemon over D-Bus",
	SilenceUsage: true,
}

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the latest sample",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *dbusClient) error {
			s, err := c.GetCurrentStats(ctx)
			if err != nil {
				return err
			}
			printSample(cmd.OutOrStdout(), s)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored CPU and memory history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, err := parseBucket(historyBucket)
		if err != nil {
			return err
		}
		return withClient(cmd.Context(), func(ctx context.Context, c *dbusClient) error {
			h, err := c.GetHistory(ctx, historyWindow, bucket)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), h.Records)
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the latest sample as metric name / value pairs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *dbusClient) error {
			snap, err := c.GetSnapshot(ctx)
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live updates until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newDBusClient()
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		return c.Watch(cmd.Context(), func(u monitor.LiveUpdate) {
			fmt.Fprintf(out, "%s  cpu %5.1f%%  mem %.2f/%.2f GB  disk %.2f/%.2f GB  up %.0f Kbps  down %.0f Kbps\n",
				u.Timestamp.Format(time.TimeOnly), u.CPUPercent, u.MemUsedGB, u.MemTotalGB,
				u.DiskUsedGB, u.DiskTotalGB, u.UploadKbps, u.DownloadKbps)
		})
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyWindow, "window", "",
		"relative window: "+windowLabels()+", \"-7 days\" or a duration (default: the daemon's history.default_window)")
	historyCmd.Flags().StringVar(&historyBucket, "bucket", "0",
		"bucket width in minutes, 0 for raw records or \"auto\"")
	rootCmd.AddCommand(currentCmd, historyCmd, snapshotCmd, watchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func withClient(ctx context.Context, fn func(context.Context, *dbusClient) error) error {
	c, err := newDBusClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return fn(ctx, c)
}

func windowLabels() string {
	labels := make([]string, 0, len(storage.Windows))
	for _, w := range storage.Windows {
		labels = append(labels, w.Label)
	}
	return strings.Join(labels, "|")
}

func parseBucket(s string) (int32, error) {
	if strings.EqualFold(strings.TrimSpace(s), "auto") {
		return -1, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("--bucket must be a non-negative number of minutes or \"auto\", got %q", s)
	}
	return int32(n), nil
}

func printSample(w io.Writer, s *collector.VitalsSample) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Sampled at\t%s\n", s.Timestamp.Format(time.DateTime))
	fmt.Fprintf(tw, "CPU\t%.1f%%  %.0f°C  %.0f MHz  %d processes\n",
		s.CPUUsagePercent, s.CPUTemperatureC, s.CPUClockMHz, s.ProcessCount)
	fmt.Fprintf(tw, "Memory\t%.2f / %.2f GB (%.2f GB available)\n",
		s.MemoryUsedGB, s.MemoryTotalGB, s.MemoryAvailableGB)
	for _, d := range s.Disks {
		fmt.Fprintf(tw, "Disk %s\t%.2f / %.2f GB (%.0f%%)\n", d.VolumeID, d.UsedGB, d.TotalGB, d.UsedPercent())
	}
	fmt.Fprintf(tw, "Network\tup %.0f Kbps  down %.0f Kbps\n", s.UploadKbps, s.DownloadKbps)
	tw.Flush()
}

func printHistory(w io.Writer, records []storage.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tCPU %\tMEM USED GB\tMEM TOTAL GB\tMEM AVAIL GB")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%.1f\t%.2f\t%.2f\t%.2f\n",
			r.Timestamp, r.CPUUsage, r.MemoryUsed, r.MemoryTotal, r.MemoryAvailable)
	}
	tw.Flush()
}

// printSnapshot prints the timestamp first, then the metrics by name.
func printSnapshot(w io.Writer, snap map[string]string) {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		if k != collector.KeySampledAt {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	if _, ok := snap[collector.KeySampledAt]; ok {
		keys = append([]string{collector.KeySampledAt}, keys...)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", k, snap[k])
	}
	tw.Flush()
}
