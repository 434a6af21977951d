// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
	}

	// NVML controls the runtime loading of the NVIDIA management library
	NVML struct {
		Enabled *bool `yaml:"enabled"`
		// LibraryPaths are probed in order before falling back to loading by name
		LibraryPaths []string `yaml:"libraryPaths"`
	}

	// Lspci controls the lspci lookup used for friendly device names
	Lspci struct {
		Enabled *bool         `yaml:"enabled"`
		Timeout time.Duration `yaml:"timeout"`
	}

	GPU struct {
		NVML  NVML  `yaml:"nvml"`
		Lspci Lspci `yaml:"lspci"`
		// Vendors restricts which backends are registered; empty means all
		Vendors []string `yaml:"vendors"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	Monitor struct {
		Interval  time.Duration `yaml:"interval"`  // Interval between GPU collections
		Staleness time.Duration `yaml:"staleness"` // Time after which a snapshot is recollected on read

		// RefreshEvery re-enumerates devices every N collections; 0 disables hotplug refresh
		RefreshEvery int `yaml:"refreshEvery"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled  *bool         `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
		MetricsLevel    Level    `yaml:"metricsLevel"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	// Debug configuration
	PprofDebug struct {
		Enabled *bool `yaml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		GPU      GPU      `yaml:"gpu"`
		Monitor  Monitor  `yaml:"monitor"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
		Debug    Debug    `yaml:"debug"`
	}
)

// MetricsLevelValue is a custom kingpin.Value that parses metrics levels directly into Level
type MetricsLevelValue struct {
	level *Level
}

func NewMetricsLevelValue(target *Level) *MetricsLevelValue {
	return &MetricsLevelValue{level: target}
}

// Set implements kingpin.Value; repeated flags accumulate
func (m *MetricsLevelValue) Set(value string) error {
	level, err := ParseLevel([]string{value})
	if err != nil {
		return err
	}

	// the first explicit value replaces the default
	if *m.level == MetricsLevelAll {
		*m.level = 0
	}
	*m.level |= level
	return nil
}

func (m *MetricsLevelValue) String() string {
	return m.level.String()
}

func (m *MetricsLevelValue) IsCumulative() bool {
	return true
}

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag  = "host.sysfs"
	HostProcFSFlag = "host.procfs"

	GPUNVMLEnabledFlag     = "gpu.nvml"
	GPUNVMLLibraryPathFlag = "gpu.nvml.library-path"
	GPULspciEnabledFlag    = "gpu.lspci"
	GPULspciTimeoutFlag    = "gpu.lspci.timeout"
	GPUVendorsFlag         = "gpu.vendor"

	MonitorIntervalFlag     = "monitor.interval"
	MonitorStaleness        = "monitor.staleness" // not a flag
	MonitorRefreshEveryFlag = "monitor.refresh-every"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag  = "exporter.stdout"
	ExporterStdoutIntervalFlag = "exporter.stdout.interval"

	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"
	ExporterPrometheusMetricsFlag     = "metrics"
)

// DefaultListenAddress is where the API server listens unless configured otherwise
const DefaultListenAddress = ":28283"

// DefaultNVMLLibraryPaths are the well known install locations of libnvidia-ml
func DefaultNVMLLibraryPaths() []string {
	return []string{
		"/usr/lib/x86_64-linux-gnu/libnvidia-ml.so.1",
		"/usr/lib64/libnvidia-ml.so.1",
		"/usr/lib/libnvidia-ml.so.1",
		"/usr/local/cuda/lib64/libnvidia-ml.so.1",
	}
}

// ValidVendors returns the vendor names accepted by gpu.vendors
func ValidVendors() []string {
	return []string{"nvidia", "amd", "intel"}
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS:  "/sys",
			ProcFS: "/proc",
		},
		GPU: GPU{
			NVML: NVML{
				Enabled:      ptr.To(true),
				LibraryPaths: DefaultNVMLLibraryPaths(),
			},
			Lspci: Lspci{
				Enabled: ptr.To(true),
				Timeout: 3 * time.Second,
			},
			Vendors: []string{},
		},
		Monitor: Monitor{
			Interval:     2 * time.Second,
			Staleness:    500 * time.Millisecond,
			RefreshEvery: 30,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled:  ptr.To(false),
				Interval: 5 * time.Second,
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(true),
				DebugCollectors: []string{"go"},
				MetricsLevel:    MetricsLevelAll,
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{DefaultListenAddress},
		},
	}
}

// Load loads configuration from an io.Reader; unknown keys are rejected
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if len(bytes.TrimSpace(data)) != 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").ExistingDir()

	// gpu
	nvmlEnabled := app.Flag(GPUNVMLEnabledFlag, "Load NVML for NVIDIA GPUs").Default("true").Bool()
	nvmlPaths := app.Flag(GPUNVMLLibraryPathFlag, "Path of libnvidia-ml to probe; repeat for more").Strings()
	lspciEnabled := app.Flag(GPULspciEnabledFlag, "Use lspci to resolve GPU names").Default("true").Bool()
	lspciTimeout := app.Flag(GPULspciTimeoutFlag, "Upper bound for a single lspci invocation").Default("3s").Duration()
	vendors := app.Flag(GPUVendorsFlag, "GPU vendor backend to enable (nvidia, amd, intel); repeat for more").Enums(ValidVendors()...)

	// monitor
	monitorInterval := app.Flag(MonitorIntervalFlag, "Interval between GPU collections").Default("2s").Duration()
	monitorRefresh := app.Flag(MonitorRefreshEveryFlag,
		"Re-enumerate GPUs every N collections; 0 to disable").Default("30").Int()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(DefaultListenAddress).Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	stdoutInterval := app.Flag(ExporterStdoutIntervalFlag, "Interval between stdout dumps").Default("5s").Duration()

	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()

	metricsLevel := MetricsLevelAll
	app.Flag(ExporterPrometheusMetricsFlag, "Metrics levels to export (device,engine,process)").SetValue(NewMetricsLevelValue(&metricsLevel))

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}
		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		if flagsSet[GPUNVMLEnabledFlag] {
			cfg.GPU.NVML.Enabled = nvmlEnabled
		}
		if flagsSet[GPUNVMLLibraryPathFlag] {
			cfg.GPU.NVML.LibraryPaths = *nvmlPaths
		}
		if flagsSet[GPULspciEnabledFlag] {
			cfg.GPU.Lspci.Enabled = lspciEnabled
		}
		if flagsSet[GPULspciTimeoutFlag] {
			cfg.GPU.Lspci.Timeout = *lspciTimeout
		}
		if flagsSet[GPUVendorsFlag] {
			cfg.GPU.Vendors = *vendors
		}

		if flagsSet[MonitorIntervalFlag] {
			cfg.Monitor.Interval = *monitorInterval
		}
		if flagsSet[MonitorRefreshEveryFlag] {
			cfg.Monitor.RefreshEvery = *monitorRefresh
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}
		if flagsSet[ExporterStdoutIntervalFlag] {
			cfg.Exporter.Stdout.Interval = *stdoutInterval
		}
		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}
		if flagsSet[ExporterPrometheusMetricsFlag] {
			cfg.Exporter.Prometheus.MetricsLevel = metricsLevel
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	trimAll(c.Web.ListenAddresses)
	trimAll(c.GPU.NVML.LibraryPaths)
	trimAll(c.Exporter.Prometheus.DebugCollectors)

	for i := range c.GPU.Vendors {
		c.GPU.Vendors[i] = strings.ToLower(strings.TrimSpace(c.GPU.Vendors[i]))
	}
}

func trimAll(values []string) {
	for i := range values {
		values[i] = strings.TrimSpace(values[i])
	}
}

// VendorEnabled reports whether the named vendor backend should be registered
func (c *Config) VendorEnabled(vendor string) bool {
	if len(c.GPU.Vendors) == 0 {
		return true
	}
	for _, v := range c.GPU.Vendors {
		if v == vendor {
			return true
		}
	}
	return false
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // host
		if _, skip := validationSkipped[SkipHostValidation]; !skip {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s ", c.Host.SysFS, err.Error()))
			}
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s ", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // gpu
		if c.GPU.Lspci.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("invalid lspci timeout: %s must be positive", c.GPU.Lspci.Timeout))
		}
		valid := map[string]bool{}
		for _, v := range ValidVendors() {
			valid[v] = true
		}
		for _, v := range c.GPU.Vendors {
			if !valid[v] {
				errs = append(errs, fmt.Sprintf("unknown gpu vendor: %q", v))
			}
		}
		for _, p := range c.GPU.NVML.LibraryPaths {
			if p == "" {
				errs = append(errs, "nvml library path cannot be empty")
			}
		}
	}
	{ // Web config file
		if c.Web.Config != "" {
			if err := canReadFile(c.Web.Config); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
			}
		}
	}
	{ // Web listen addresses
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address must be specified")
		}
		for _, addr := range c.Web.ListenAddresses {
			if addr == "" {
				errs = append(errs, "web listen address cannot be empty")
				continue
			}
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}
	{ // Monitor
		if c.Monitor.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor interval: %s must be positive", c.Monitor.Interval))
		}
		if c.Monitor.Staleness < 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor staleness: %s can't be negative", c.Monitor.Staleness))
		}
		if c.Monitor.RefreshEvery < 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor refresh: %d can't be negative", c.Monitor.RefreshEvery))
		}
	}
	{ // stdout
		if ptr.Deref(c.Exporter.Stdout.Enabled, false) && c.Exporter.Stdout.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid stdout interval: %s must be positive", c.Exporter.Stdout.Interval))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	return validatePort(port)
}

func validatePort(port string) error {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE: yaml marshal should not fail for this type; fall back to a flat listing
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{HostProcFSFlag, c.Host.ProcFS},
		{GPUNVMLEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.GPU.NVML.Enabled, false))},
		{GPUNVMLLibraryPathFlag, strings.Join(c.GPU.NVML.LibraryPaths, ", ")},
		{GPULspciEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.GPU.Lspci.Enabled, false))},
		{GPULspciTimeoutFlag, c.GPU.Lspci.Timeout.String()},
		{GPUVendorsFlag, strings.Join(c.GPU.Vendors, ", ")},
		{MonitorIntervalFlag, c.Monitor.Interval.String()},
		{MonitorStaleness, c.Monitor.Staleness.String()},
		{MonitorRefreshEveryFlag, strconv.Itoa(c.Monitor.RefreshEvery)},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Stdout.Enabled, false))},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{ExporterPrometheusMetricsFlag, c.Exporter.Prometheus.MetricsLevel.String()},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
