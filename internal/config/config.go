// Package config provides configuration management for gominer.
// Values come from an optional TOML file named by GOMINER_CONFIG, overridden
// by environment variables, with sensible defaults for everything else.
package config

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pelletier/go-toml"
)

// Kernel variants.
const (
	KernelMining   = "mining"
	KernelEnhanced = "enhanced"
)

// Intensity modes. In range mode a device with intensity i is handed 2^i
// nonces per WorkUnit. In batch mode every unit is UnitSize nonces and the
// intensity is passed through to the kernel as its batch hint.
const (
	IntensityRange = "range"
	IntensityBatch = "batch"
)

// Config holds the startup configuration. It is immutable once loaded.
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	RigName     string

	// Pool endpoint and credentials
	PoolHost              string
	PoolPort              int
	PoolTLS               bool
	TLSInsecureSkipVerify bool
	Wallet                string
	WalletNetwork         string
	Worker                string
	Password              string
	ExtranonceSubscribe   bool

	// Devices and work shaping
	Devices            []int
	DefaultIntensity   int
	IntensityOverrides map[int]int
	IntensityMode      string
	UnitSize           uint32
	KernelVariant      string
	KernelThreads      int
	Wraparound         bool

	// Timeouts
	ConnectTimeout  time.Duration
	SubmitTimeout   time.Duration
	WorkUnitTimeout time.Duration
	UnitBudget      time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	// Reconnection
	RetryAttempts int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// Device health and share rejection policy
	DeviceMaxFailures   int
	DeviceProbeAfter    time.Duration
	BudgetOverrunLimit  int
	RejectionThreshold  float64
	RejectionWindow     int
	RejectionMinSamples int
	HealthTick          time.Duration

	// Statistics
	HashrateAlpha  float64
	StatsInterval  time.Duration
	ReportInterval time.Duration

	// Optional sinks; empty disables
	KafkaBrokers     []string
	KafkaTopicPrefix string
	RedisURL         string
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	PostgresURL      string
	SQLitePath       string
	ZMQControlAddr   string
	DiscordToken     string
	DiscordChannel   string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads GOMINER_CONFIG (if set) and the environment.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("GOMINER_CONFIG"); path != "" {
		file, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}
	return load(src)
}

func load(src source) (*Config, error) {
	overrides, err := parseIntensityOverrides(src.get("INTENSITY_OVERRIDES", ""))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	devices, err := parseIntList(src.get("DEVICES", "0"))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: DEVICES: %w", err)
	}

	cfg := &Config{
		ServiceName: src.get("SERVICE_NAME", "gominer"),
		Version:     src.get("VERSION", "dev"),
		RigName:     src.get("RIG_NAME", hostname()),

		PoolHost:              src.get("POOL_HOST", ""),
		PoolPort:              src.getInt("POOL_PORT", 3333),
		PoolTLS:               src.getBool("POOL_TLS", false),
		TLSInsecureSkipVerify: src.getBool("POOL_TLS_INSECURE", false),
		Wallet:                src.get("WALLET", ""),
		WalletNetwork:         src.get("WALLET_NETWORK", ""),
		Worker:                src.get("WORKER", "default"),
		Password:              src.get("PASSWORD", "x"),
		ExtranonceSubscribe:   src.getBool("EXTRANONCE_SUBSCRIBE", true),

		Devices:            devices,
		DefaultIntensity:   src.getInt("INTENSITY", 24),
		IntensityOverrides: overrides,
		IntensityMode:      src.get("INTENSITY_MODE", IntensityRange),
		UnitSize:           uint32(src.getInt("UNIT_SIZE", 1<<24)),
		KernelVariant:      src.get("KERNEL", KernelMining),
		KernelThreads:      src.getInt("KERNEL_THREADS", 4),
		Wraparound:         src.getBool("WRAPAROUND", true),

		ConnectTimeout:  src.getDuration("CONNECT_TIMEOUT", 10*time.Second),
		SubmitTimeout:   src.getDuration("SUBMIT_TIMEOUT", 30*time.Second),
		WorkUnitTimeout: src.getDuration("WORK_UNIT_TIMEOUT", 60*time.Second),
		UnitBudget:      src.getDuration("UNIT_BUDGET", 30*time.Second),
		ReadTimeout:     src.getDuration("READ_TIMEOUT", 5*time.Minute),
		WriteTimeout:    src.getDuration("WRITE_TIMEOUT", 10*time.Second),

		RetryAttempts: src.getInt("RETRY_ATTEMPTS", 3),
		RetryDelay:    src.getDuration("RETRY_DELAY", 5*time.Second),
		RetryMaxDelay: src.getDuration("RETRY_MAX_DELAY", 2*time.Minute),

		DeviceMaxFailures:   src.getInt("DEVICE_MAX_FAILURES", 3),
		DeviceProbeAfter:    src.getDuration("DEVICE_PROBE_AFTER", 5*time.Minute),
		BudgetOverrunLimit:  src.getInt("BUDGET_OVERRUN_LIMIT", 3),
		RejectionThreshold:  src.getFloat("REJECTION_THRESHOLD", 0.10),
		RejectionWindow:     src.getInt("REJECTION_WINDOW", 100),
		RejectionMinSamples: src.getInt("REJECTION_MIN_SAMPLES", 20),
		HealthTick:          src.getDuration("HEALTH_TICK", 5*time.Second),

		HashrateAlpha:  src.getFloat("HASHRATE_ALPHA", 0.2),
		StatsInterval:  src.getDuration("STATS_INTERVAL", 30*time.Second),
		ReportInterval: src.getDuration("REPORT_INTERVAL", time.Minute),

		KafkaBrokers:     src.getSlice("KAFKA_BROKERS", nil),
		KafkaTopicPrefix: src.get("KAFKA_TOPIC_PREFIX", "gominer"),
		RedisURL:         src.get("REDIS_URL", ""),
		InfluxURL:        src.get("INFLUX_URL", ""),
		InfluxToken:      src.get("INFLUX_TOKEN", ""),
		InfluxOrg:        src.get("INFLUX_ORG", "gominer"),
		InfluxBucket:     src.get("INFLUX_BUCKET", "mining"),
		PostgresURL:      src.get("POSTGRES_URL", ""),
		SQLitePath:       src.get("SQLITE_PATH", ""),
		ZMQControlAddr:   src.get("ZMQ_CONTROL_ADDR", ""),
		DiscordToken:     src.get("DISCORD_TOKEN", ""),
		DiscordChannel:   src.get("DISCORD_CHANNEL", ""),

		LogLevel:  src.get("LOG_LEVEL", "info"),
		LogFormat: src.get("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// PoolAddress is host:port of the pool.
func (c *Config) PoolAddress() string {
	return fmt.Sprintf("%s:%d", c.PoolHost, c.PoolPort)
}

// Login is the stratum username, wallet.worker.
func (c *Config) Login() string {
	if c.Worker == "" {
		return c.Wallet
	}
	return c.Wallet + "." + c.Worker
}

// IntensityFor returns the configured intensity of a device.
func (c *Config) IntensityFor(deviceID int) int {
	if v, ok := c.IntensityOverrides[deviceID]; ok {
		return v
	}
	return c.DefaultIntensity
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.PoolHost == "" {
		return fmt.Errorf("POOL_HOST cannot be empty")
	}

	if c.PoolPort <= 0 || c.PoolPort > 65535 {
		return fmt.Errorf("POOL_PORT must be between 1 and 65535")
	}

	if c.Wallet == "" {
		return fmt.Errorf("WALLET cannot be empty")
	}

	if c.WalletNetwork != "" {
		params, err := networkParams(c.WalletNetwork)
		if err != nil {
			return err
		}
		if _, err := btcutil.DecodeAddress(c.Wallet, params); err != nil {
			return fmt.Errorf("WALLET is not a valid %s address: %w", c.WalletNetwork, err)
		}
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("DEVICES cannot be empty")
	}
	seen := make(map[int]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d < 0 {
			return fmt.Errorf("DEVICES must be non-negative, got %d", d)
		}
		if seen[d] {
			return fmt.Errorf("DEVICES contains duplicate id %d", d)
		}
		seen[d] = true
	}
	for d := range c.IntensityOverrides {
		if !seen[d] {
			return fmt.Errorf("INTENSITY_OVERRIDES names unknown device %d", d)
		}
	}

	switch c.IntensityMode {
	case IntensityRange:
		if err := checkIntensity(c.DefaultIntensity); err != nil {
			return err
		}
		for _, v := range c.IntensityOverrides {
			if err := checkIntensity(v); err != nil {
				return err
			}
		}
	case IntensityBatch:
		if c.UnitSize == 0 {
			return fmt.Errorf("UNIT_SIZE must be positive")
		}
	default:
		return fmt.Errorf("INTENSITY_MODE must be %q or %q", IntensityRange, IntensityBatch)
	}

	if c.KernelVariant != KernelMining && c.KernelVariant != KernelEnhanced {
		return fmt.Errorf("KERNEL must be %q or %q", KernelMining, KernelEnhanced)
	}

	if c.KernelThreads <= 0 {
		return fmt.Errorf("KERNEL_THREADS must be positive")
	}

	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}

	if c.RetryDelay <= 0 {
		return fmt.Errorf("RETRY_DELAY must be positive")
	}

	if c.ConnectTimeout <= 0 || c.SubmitTimeout <= 0 || c.WorkUnitTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT, SUBMIT_TIMEOUT and WORK_UNIT_TIMEOUT must be positive")
	}

	if c.UnitBudget < 0 || c.UnitBudget > c.WorkUnitTimeout {
		return fmt.Errorf("UNIT_BUDGET must be between 0 and WORK_UNIT_TIMEOUT")
	}

	if c.DeviceMaxFailures < 1 {
		return fmt.Errorf("DEVICE_MAX_FAILURES must be at least 1")
	}

	if c.RejectionThreshold <= 0 || c.RejectionThreshold > 1 {
		return fmt.Errorf("REJECTION_THRESHOLD must be in (0, 1]")
	}

	if c.HashrateAlpha <= 0 || c.HashrateAlpha > 1 {
		return fmt.Errorf("HASHRATE_ALPHA must be in (0, 1]")
	}

	if (c.DiscordToken == "") != (c.DiscordChannel == "") {
		return fmt.Errorf("DISCORD_TOKEN and DISCORD_CHANNEL must be set together")
	}

	return nil
}

func checkIntensity(v int) error {
	if v < 8 || v > 32 {
		return fmt.Errorf("intensity must be between 8 and 32, got %d", v)
	}
	return nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("WALLET_NETWORK %q is not recognised", name)
	}
}

// parseIntensityOverrides parses "0:24,1:22".
func parseIntensityOverrides(value string) (map[int]int, error) {
	out := make(map[int]int)
	if strings.TrimSpace(value) == "" {
		return out, nil
	}
	for _, part := range splitList(value) {
		dev, inten, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("INTENSITY_OVERRIDES entry %q must be device:intensity", part)
		}
		d, err := strconv.Atoi(strings.TrimSpace(dev))
		if err != nil {
			return nil, fmt.Errorf("INTENSITY_OVERRIDES device %q: %w", dev, err)
		}
		i, err := strconv.Atoi(strings.TrimSpace(inten))
		if err != nil {
			return nil, fmt.Errorf("INTENSITY_OVERRIDES intensity %q: %w", inten, err)
		}
		out[d] = i
	}
	return out, nil
}

func parseIntList(value string) ([]int, error) {
	var out []int
	for _, part := range splitList(value) {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "rig"
	}
	return h
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

// loadFile flattens a TOML document into env-style keys, so
//
//	[pool]
//	host = "x"
//
// is read as POOL_HOST.
func loadFile(path string) (map[string]string, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	out := make(map[string]string)
	flatten("", tree.ToMap(), out)
	return out, nil
}

func flatten(prefix string, m map[string]interface{}, out map[string]string) {
	for k, v := range m {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

func (s source) lookup(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value, true
	}
	return "", false
}

func (s source) get(key, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s source) getInt(key string, defaultValue int) int {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getFloat(key string, defaultValue float64) float64 {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getBool(key string, defaultValue bool) bool {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getSlice(key string, defaultValue []string) []string {
	if value, ok := s.lookup(key); ok {
		return splitList(value)
	}
	return slices.Clone(defaultValue)
}
