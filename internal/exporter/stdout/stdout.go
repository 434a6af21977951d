// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/sustainable-computing-io/gpumon/internal/delta"
	"github.com/sustainable-computing-io/gpumon/internal/device/gpu"
	"github.com/sustainable-computing-io/gpumon/internal/monitor"
	"github.com/sustainable-computing-io/gpumon/internal/service"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner
	Monitor     = monitor.Service
)

// na is printed for readings the device does not report
const na = "-"

// Exporter periodically prints GPU snapshots as tables
type Exporter struct {
	logger   *slog.Logger
	monitor  Monitor
	out      io.WriteCloser
	ticker   *time.Ticker
	interval time.Duration
}

var (
	_ Initializer = (*Exporter)(nil)
	_ Runner      = (*Exporter)(nil)
	_ Shutdowner  = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	interval time.Duration
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		out:      os.Stdout,
		interval: 2 * time.Second,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func NewExporter(m Monitor, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		monitor:  m,
		out:      opts.out,
		interval: opts.interval,
	}
}

func (e *Exporter) Init() error {
	if e.interval <= 0 {
		return fmt.Errorf("invalid stdout interval %s", e.interval)
	}
	e.ticker = time.NewTicker(e.interval)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	defer e.ticker.Stop()

	for {
		select {
		case <-e.ticker.C:
			if !e.monitor.Ready() {
				e.logger.Debug("Monitor not ready, skipping print")
				continue
			}
			snapshot, err := e.monitor.Snapshot()
			if err != nil {
				e.logger.Error("Failed to collect GPU data", "error", err)
				continue
			}
			write(e.out, snapshot)
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

func write(out io.Writer, snapshot *monitor.Snapshot) {
	writeDevices(out, snapshot)
	if len(snapshot.Processes) > 0 {
		writeProcesses(out, snapshot.Processes)
	}
}

func writeDevices(out io.Writer, snapshot *monitor.Snapshot) {
	rows := make([][]string, 0, len(snapshot.Devices))
	for _, ds := range snapshot.Devices {
		selected := ""
		if snapshot.Selected != nil && snapshot.Selected.CardPath == ds.Device.CardPath {
			selected = "*"
		}
		row := []string{selected, ds.Device.Card, string(ds.Device.Vendor), ds.Device.Name}
		if !ds.OK() {
			row = append(row, na, na, na, na, na)
			rows = append(rows, row)
			continue
		}

		s := ds.Stats
		row = append(row,
			percent(s.UtilizationPercent),
			memory(s),
			orNA(s.TemperatureC >= 0, strconv.Itoa(s.TemperatureC)),
			orNA(s.PowerUsageWatts >= 0, fmt.Sprintf("%.2f", s.PowerUsageWatts)),
			orNA(s.CoreClockKHz >= 0, strconv.FormatInt(s.CoreClockKHz/1000, 10)),
		)
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i][1] < rows[j][1]
	})

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Sel", "Card", "Vendor", "Name", "Util(%)", "Mem(MiB)", "Temp(C)", "Power(W)", "Clock(MHz)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeProcesses(out io.Writer, procs []delta.ProcessDeltas) {
	rows := make([][]string, 0, len(procs))
	for _, p := range procs {
		read, write := na, na
		if p.IOAvailable {
			read = strconv.FormatUint(p.Deltas.Get(delta.ReadBytes), 10)
			write = strconv.FormatUint(p.Deltas.Get(delta.WriteBytes), 10)
		}
		rows = append(rows, []string{
			strconv.Itoa(p.PID),
			p.Comm,
			strconv.FormatUint(p.Deltas.Get(delta.UTime), 10),
			strconv.FormatUint(p.Deltas.Get(delta.STime), 10),
			read,
			write,
		})
	}

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"PID", "Comm", "UTime", "STime", "Read(B)", "Write(B)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func percent(p int) string {
	return orNA(p >= 0, strconv.Itoa(p))
}

func memory(s gpu.Stats) string {
	if s.MemoryTotalBytes == 0 {
		return na
	}
	return fmt.Sprintf("%d/%d (%.0f%%)", s.MemoryUsedBytes>>20, s.MemoryTotalBytes>>20, s.MemoryUsedPercent())
}

func orNA(ok bool, v string) string {
	if !ok {
		return na
	}
	return v
}

func (e *Exporter) Shutdown() error {
	return e.out.Close()
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}
