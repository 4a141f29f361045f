package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"geofencing/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName        = "geofencing"
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultSignalingPath      = "/signaling"
	defaultTransitionPath     = "/transitions"
	defaultLocationPath       = "/locations"
	defaultMetricsPath        = "/metrics"
	defaultSQLitePath         = "data/geofencing.db"
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSSubject        = "geofencing.signaling"
	defaultNATSStream         = "GEOFENCING_SIGNALING"
	defaultNATSConsumer       = "geofencing-signaling"
	defaultNATSGroup          = "geofencing-workers"
	defaultNATSWorkers        = 1
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 1024
	defaultCounterBucket      = "geofencing_counters"
	defaultStatusBucket       = "geofencing_status"
	defaultPendingBucket      = "geofencing_pending"
	defaultCampaignBucket     = "geofencing_campaigns"
	defaultRecordBucket       = "geofencing_records"
	defaultQueueSubject       = "geofencing.delivery"
	defaultQueueStream        = "GEOFENCING_DELIVERY"
	defaultQueueConsumer      = "geofencing-delivery"
	defaultQueueGroup         = "geofencing-delivery-workers"
	defaultQueueDLQSubject    = "geofencing.delivery.dlq"
	defaultQueueDLQStream     = "GEOFENCING_DELIVERY_DLQ"
	defaultReportTimeoutSec   = 10
	defaultReportBatchDelayMS = 2000
	defaultExpirySweepSec     = 60
	defaultDwellDelaySec      = 300
	defaultMQTTClientID       = "geofencing"
	defaultMQTTLocationTopic  = "geofencing/locations"
	defaultMQTTTransitTopic   = "geofencing/transitions"
	defaultTelegramAPIBase    = "https://api.telegram.org"
	defaultDeliveryTemplate   = `{{ .Body }}`

	// ServiceModeNATS keeps NATS-backed ingest and delivery queue.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// StorageMemory keeps state in process memory.
	StorageMemory = "memory"
	// StorageSQLite keeps state in a local SQLite file.
	StorageSQLite = "sqlite"
	// StorageNATS keeps state in JetStream KV buckets.
	StorageNATS = "nats"
)

var (
	unsupportedNATSFixedKeysPattern = regexp.MustCompile(`(?mi)^\s*(?:subject|stream|consumer_name|deliver_group)\s*=`)
	unsupportedQueueURLPattern      = regexp.MustCompile(`(?si)\[\s*delivery\.queue\s*\][^\[]*\burl\s*=`)
)

// Config is the full runtime configuration snapshot.
// Params: decoded TOML sections.
// Returns: validated settings for every component.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Log      LogConfig      `toml:"log"`
	Storage  StorageConfig  `toml:"storage"`
	HTTP     HTTPConfig     `toml:"http"`
	NATS     NATSConfig     `toml:"nats"`
	Report   ReportConfig   `toml:"report"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Delivery DeliveryConfig `toml:"delivery"`
}

// ServiceConfig contains process-level settings.
// Params: name, mode, delivery time zone, and expiry sweep period.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name           string `toml:"name"`
	Mode           string `toml:"mode"`
	Timezone       string `toml:"timezone"`
	ExpirySweepSec int    `toml:"expiry_sweep_sec"`
}

// Location resolves configured time zone.
// Params: none.
// Returns: IANA location, time.Local when unset, or lookup error.
func (s ServiceConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(s.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// StorageConfig selects durable state backend.
// Params: driver name and SQLite path.
// Returns: storage options.
type StorageConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// HTTPConfig configures the HTTP API and probes.
// Params: enable flag, listen address, endpoint paths, and body size limit.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	HealthPath     string `toml:"health_path"`
	ReadyPath      string `toml:"ready_path"`
	SignalingPath  string `toml:"signaling_path"`
	TransitionPath string `toml:"transition_path"`
	LocationPath   string `toml:"location_path"`
	MetricsPath    string `toml:"metrics_path"`
	MaxBodyBytes   int64  `toml:"max_body_bytes"`
}

// NATSConfig holds NATS connection and signaling consumer settings.
// Params: server URLs and JetStream signaling consumer policy.
// Returns: NATS runtime options.
type NATSConfig struct {
	URL       []string         `toml:"url"`
	Signaling NATSIngestConfig `toml:"signaling"`
}

// NATSIngestConfig configures JetStream queue-consumer for signaling messages.
// Params: worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool   `toml:"enabled"`
	Subject       string `toml:"-"`
	Stream        string `toml:"-"`
	ConsumerName  string `toml:"-"`
	DeliverGroup  string `toml:"-"`
	Workers       int    `toml:"workers"`
	AckWaitSec    int    `toml:"ack_wait_sec"`
	NackDelayMS   int    `toml:"nack_delay_ms"`
	MaxDeliver    int    `toml:"max_deliver"`
	MaxAckPending int    `toml:"max_ack_pending"`
}

// NATSStateConfig contains fixed JetStream KV controls for state backend.
// Params: URL list and bucket names.
// Returns: NATS state backend options.
type NATSStateConfig struct {
	URL                []string
	CounterBucket      string
	StatusBucket       string
	PendingBucket      string
	CampaignBucket     string
	RecordBucket       string
	AllowCreateBuckets bool
}

// DeriveStateNATSConfig builds fixed state-backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS state settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	urls := normalizeNATSURLs(cfg.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return NATSStateConfig{
		URL:                urls,
		CounterBucket:      defaultCounterBucket,
		StatusBucket:       defaultStatusBucket,
		PendingBucket:      defaultPendingBucket,
		CampaignBucket:     defaultCampaignBucket,
		RecordBucket:       defaultRecordBucket,
		AllowCreateBuckets: true,
	}
}

// DeliveryQueueRuntime contains fixed JetStream routing for the display queue.
// Params: URL list, stream/subject names, and user-tunable ack policy.
// Returns: producer and worker options.
type DeliveryQueueRuntime struct {
	URL           []string
	Subject       string
	Stream        string
	ConsumerName  string
	DeliverGroup  string
	AckWaitSec    int
	NackDelayMS   int
	MaxDeliver    int
	MaxAckPending int
	DLQ           bool
	DLQSubject    string
	DLQStream     string
}

// DeriveDeliveryQueueRuntime builds display queue routing from runtime config.
// Params: full runtime configuration snapshot.
// Returns: queue settings with non-user-overridable stream names.
func DeriveDeliveryQueueRuntime(cfg Config) DeliveryQueueRuntime {
	urls := normalizeNATSURLs(cfg.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	queue := cfg.Delivery.Queue
	return DeliveryQueueRuntime{
		URL:           urls,
		Subject:       defaultQueueSubject,
		Stream:        defaultQueueStream,
		ConsumerName:  defaultQueueConsumer,
		DeliverGroup:  defaultQueueGroup,
		AckWaitSec:    queue.AckWaitSec,
		NackDelayMS:   queue.NackDelayMS,
		MaxDeliver:    queue.MaxDeliver,
		MaxAckPending: queue.MaxAckPending,
		DLQ:           queue.DLQ,
		DLQSubject:    defaultQueueDLQSubject,
		DLQStream:     defaultQueueDLQStream,
	}
}

// ReportConfig configures the event reporting endpoint and batching.
// Params: enable flag, endpoint URL, timeout, batch delay, and static headers.
// Returns: reporter transport and worker options.
type ReportConfig struct {
	Enabled      bool              `toml:"enabled"`
	URL          string            `toml:"url"`
	TimeoutSec   int               `toml:"timeout_sec"`
	BatchDelayMS int               `toml:"batch_delay_ms"`
	Headers      map[string]string `toml:"headers"`
}

// Timeout returns HTTP timeout for one batch.
func (r ReportConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSec) * time.Second
}

// BatchDelay returns fixed delay between batch attempts.
func (r ReportConfig) BatchDelay() time.Duration {
	return time.Duration(r.BatchDelayMS) * time.Millisecond
}

// MonitorConfig configures the software geofence monitor.
// Params: enable flag, dwell delay, and MQTT feed.
// Returns: monitor options.
type MonitorConfig struct {
	Enabled       bool       `toml:"enabled"`
	DwellDelaySec int        `toml:"dwell_delay_sec"`
	MQTT          MQTTConfig `toml:"mqtt"`
}

// DwellDelay returns time inside an area before dwell fires.
func (m MonitorConfig) DwellDelay() time.Duration {
	return time.Duration(m.DwellDelaySec) * time.Second
}

// MQTTConfig configures device feed subscription.
// Params: broker, credentials, topics, and QoS.
// Returns: MQTT feed options.
type MQTTConfig struct {
	Enabled         bool   `toml:"enabled"`
	Broker          string `toml:"broker"`
	ClientID        string `toml:"client_id"`
	Username        string `toml:"username"`
	Password        string `toml:"password"`
	LocationTopic   string `toml:"location_topic"`
	TransitionTopic string `toml:"transition_topic"`
	QoS             int    `toml:"qos"`
}

// DeliveryConfig configures how accepted triggers reach the user.
// Params: text template, Telegram sink, and async queue.
// Returns: delivery options.
type DeliveryConfig struct {
	Template string         `toml:"template"`
	Telegram TelegramConfig `toml:"telegram"`
	Queue    QueueConfig    `toml:"queue"`
}

// TelegramConfig configures Telegram display sink.
// Params: enabled flag, bot token, chat ID, and API base URL.
// Returns: Telegram sink configuration.
type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	APIBase  string `toml:"api_base"`
}

// QueueConfig defines asynchronous delivery queue settings.
// Params: enable flag, worker/ack policy, and dead-letter toggle.
// Returns: async delivery pipeline controls.
type QueueConfig struct {
	Enabled       bool `toml:"enabled"`
	AckWaitSec    int  `toml:"ack_wait_sec"`
	NackDelayMS   int  `toml:"nack_delay_ms"`
	MaxDeliver    int  `toml:"max_deliver"`
	MaxAckPending int  `toml:"max_ack_pending"`
	DLQ           bool `toml:"dlq"`
}

// LogConfig defines logging outputs.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource points to a configuration file or directory.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, _, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
// Params: sparse fields decoded from one TOML fragment.
// Returns: merge behavior hints for zero-value bool overrides.
type configMergeHints struct {
	HTTP struct {
		Enabled *bool `toml:"enabled"`
	} `toml:"http"`
	Report struct {
		Enabled *bool `toml:"enabled"`
	} `toml:"report"`
	Monitor struct {
		Enabled *bool `toml:"enabled"`
		MQTT    struct {
			Enabled *bool `toml:"enabled"`
		} `toml:"mqtt"`
	} `toml:"monitor"`
	Delivery struct {
		Telegram struct {
			Enabled *bool `toml:"enabled"`
		} `toml:"telegram"`
		Queue struct {
			Enabled *bool `toml:"enabled"`
			DLQ     *bool `toml:"dlq"`
		} `toml:"queue"`
	} `toml:"delivery"`
}

// rejectUnsupportedSyntax checks forbidden TOML keys and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if unsupportedNATSFixedKeysPattern.Match(body) {
		return errors.New("nats.signaling subject/stream/consumer_name/deliver_group are fixed in runtime and must not be configured")
	}
	if unsupportedQueueURLPattern.Match(body) {
		return errors.New("delivery.queue.url is not supported; queue NATS URL is derived from nats.url")
	}
	return nil
}

// loadFile reads one TOML configuration file with merge hints.
// Params: file path to config snapshot or fragment.
// Returns: decoded config plus explicit-bool hints, or read/decode error.
func loadFile(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination section by section.
// Params: destination config, next fragment, and its explicit bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.Storage != (StorageConfig{}) {
		dst.Storage = src.Storage
	}
	if src.HTTP != (HTTPConfig{}) {
		dst.HTTP = src.HTTP
	} else {
		applyBoolMerge(&dst.HTTP.Enabled, false, hints.HTTP.Enabled)
	}
	if len(src.NATS.URL) > 0 || src.NATS.Signaling != (NATSIngestConfig{}) {
		dst.NATS = src.NATS
	}
	if hasReportConfig(src.Report) {
		dst.Report = src.Report
	} else {
		applyBoolMerge(&dst.Report.Enabled, false, hints.Report.Enabled)
	}
	if src.Monitor != (MonitorConfig{}) {
		dst.Monitor = src.Monitor
	} else {
		applyBoolMerge(&dst.Monitor.Enabled, false, hints.Monitor.Enabled)
		applyBoolMerge(&dst.Monitor.MQTT.Enabled, false, hints.Monitor.MQTT.Enabled)
	}
	mergeDeliveryConfig(&dst.Delivery, src.Delivery, hints)
}

// mergeDeliveryConfig overlays delivery fragment preserving sibling subsections.
func mergeDeliveryConfig(dst *DeliveryConfig, src DeliveryConfig, hints configMergeHints) {
	if strings.TrimSpace(src.Template) != "" {
		dst.Template = src.Template
	}
	if src.Telegram != (TelegramConfig{}) {
		dst.Telegram = src.Telegram
	} else {
		applyBoolMerge(&dst.Telegram.Enabled, false, hints.Delivery.Telegram.Enabled)
	}
	if src.Queue != (QueueConfig{}) {
		dst.Queue = src.Queue
	} else {
		applyBoolMerge(&dst.Queue.Enabled, false, hints.Delivery.Queue.Enabled)
		applyBoolMerge(&dst.Queue.DLQ, false, hints.Delivery.Queue.DLQ)
	}
}

// applyBoolMerge merges bool with explicit-value awareness for directory overlays.
// Params: destination bool pointer, source decoded bool, and explicit source marker.
// Returns: merged bool side-effect in dst.
func applyBoolMerge(dst *bool, value bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
		return
	}
	if value {
		*dst = true
	}
}

func hasReportConfig(cfg ReportConfig) bool {
	return cfg.Enabled ||
		strings.TrimSpace(cfg.URL) != "" ||
		cfg.TimeoutSec != 0 ||
		cfg.BatchDelayMS != 0 ||
		len(cfg.Headers) > 0
}

// applyDefaults fills omitted settings.
// Params: config decoded from TOML.
// Returns: defaults side-effect in cfg.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.ExpirySweepSec <= 0 {
		cfg.Service.ExpirySweepSec = defaultExpirySweepSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		if cfg.Service.Mode == ServiceModeNATS {
			cfg.Storage.Driver = StorageNATS
		} else {
			cfg.Storage.Driver = StorageMemory
		}
	}
	if cfg.Storage.Driver == StorageSQLite && strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = defaultSQLitePath
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.SignalingPath) == "" {
		cfg.HTTP.SignalingPath = defaultSignalingPath
	}
	if strings.TrimSpace(cfg.HTTP.TransitionPath) == "" {
		cfg.HTTP.TransitionPath = defaultTransitionPath
	}
	if strings.TrimSpace(cfg.HTTP.LocationPath) == "" {
		cfg.HTTP.LocationPath = defaultLocationPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = 1 << 20
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.NATS.Signaling.Enabled = false
		cfg.Delivery.Queue.Enabled = false
		cfg.Delivery.Queue.DLQ = false
	} else {
		cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
		if len(cfg.NATS.URL) == 0 {
			cfg.NATS.URL = []string{defaultNATSURL}
		}
		cfg.NATS.Signaling.Subject = defaultNATSSubject
		cfg.NATS.Signaling.Stream = defaultNATSStream
		cfg.NATS.Signaling.ConsumerName = defaultNATSConsumer
		cfg.NATS.Signaling.DeliverGroup = defaultNATSGroup
		if cfg.NATS.Signaling.Workers <= 0 {
			cfg.NATS.Signaling.Workers = defaultNATSWorkers
		}
		if cfg.NATS.Signaling.AckWaitSec <= 0 {
			cfg.NATS.Signaling.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.NATS.Signaling.NackDelayMS <= 0 {
			cfg.NATS.Signaling.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.NATS.Signaling.MaxDeliver == 0 {
			cfg.NATS.Signaling.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.NATS.Signaling.MaxAckPending <= 0 {
			cfg.NATS.Signaling.MaxAckPending = defaultNATSMaxAckPending
		}
		if cfg.Delivery.Queue.AckWaitSec <= 0 {
			cfg.Delivery.Queue.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.Delivery.Queue.NackDelayMS <= 0 {
			cfg.Delivery.Queue.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Delivery.Queue.MaxDeliver == 0 {
			cfg.Delivery.Queue.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.Delivery.Queue.MaxAckPending <= 0 {
			cfg.Delivery.Queue.MaxAckPending = defaultNATSMaxAckPending
		}
	}

	if cfg.Report.TimeoutSec <= 0 {
		cfg.Report.TimeoutSec = defaultReportTimeoutSec
	}
	if cfg.Report.BatchDelayMS <= 0 {
		cfg.Report.BatchDelayMS = defaultReportBatchDelayMS
	}

	if cfg.Monitor.DwellDelaySec <= 0 {
		cfg.Monitor.DwellDelaySec = defaultDwellDelaySec
	}
	if strings.TrimSpace(cfg.Monitor.MQTT.ClientID) == "" {
		cfg.Monitor.MQTT.ClientID = defaultMQTTClientID
	}
	if strings.TrimSpace(cfg.Monitor.MQTT.LocationTopic) == "" {
		cfg.Monitor.MQTT.LocationTopic = defaultMQTTLocationTopic
	}
	if strings.TrimSpace(cfg.Monitor.MQTT.TransitionTopic) == "" {
		cfg.Monitor.MQTT.TransitionTopic = defaultMQTTTransitTopic
	}

	if strings.TrimSpace(cfg.Delivery.Template) == "" {
		cfg.Delivery.Template = defaultDeliveryTemplate
	}
	if strings.TrimSpace(cfg.Delivery.Telegram.APIBase) == "" {
		cfg.Delivery.Telegram.APIBase = defaultTelegramAPIBase
	}
}

// validateConfig checks cross-field constraints after defaults.
// Params: config snapshot.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if _, err := cfg.Service.Location(); err != nil {
		return fmt.Errorf("service.timezone is invalid: %w", err)
	}

	switch cfg.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case StorageNATS:
		if mode != ServiceModeNATS {
			return errors.New("storage.driver=nats requires service.mode=nats")
		}
	default:
		return fmt.Errorf("storage.driver has unsupported value %q", cfg.Storage.Driver)
	}

	if cfg.HTTP.Enabled {
		if strings.TrimSpace(cfg.HTTP.Listen) == "" {
			return errors.New("http.listen is required")
		}
		paths := map[string]string{
			"http.health_path":     cfg.HTTP.HealthPath,
			"http.ready_path":      cfg.HTTP.ReadyPath,
			"http.signaling_path":  cfg.HTTP.SignalingPath,
			"http.transition_path": cfg.HTTP.TransitionPath,
			"http.location_path":   cfg.HTTP.LocationPath,
			"http.metrics_path":    cfg.HTTP.MetricsPath,
		}
		seen := make(map[string]string, len(paths))
		names := make([]string, 0, len(paths))
		for name := range paths {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			path := paths[name]
			if !strings.HasPrefix(path, "/") {
				return fmt.Errorf("%s must start with /", name)
			}
			if other, dup := seen[path]; dup {
				return fmt.Errorf("%s duplicates %s", name, other)
			}
			seen[path] = name
		}
	}

	if mode == ServiceModeNATS {
		if len(cfg.NATS.URL) == 0 {
			return errors.New("nats.url is required")
		}
		for i, raw := range cfg.NATS.URL {
			if strings.TrimSpace(raw) == "" {
				return fmt.Errorf("nats.url[%d] is empty", i)
			}
		}
		if cfg.NATS.Signaling.Enabled {
			if cfg.NATS.Signaling.Workers <= 0 {
				return errors.New("nats.signaling.workers must be >0 when nats.signaling.enabled=true")
			}
			if cfg.NATS.Signaling.MaxDeliver == 0 || cfg.NATS.Signaling.MaxDeliver < -1 {
				return errors.New("nats.signaling.max_deliver must be -1 or >0")
			}
		}
		if cfg.Delivery.Queue.Enabled {
			if cfg.Delivery.Queue.MaxDeliver == 0 || cfg.Delivery.Queue.MaxDeliver < -1 {
				return errors.New("delivery.queue.max_deliver must be -1 or >0")
			}
		}
	}

	if cfg.Report.Enabled {
		parsed, err := url.Parse(strings.TrimSpace(cfg.Report.URL))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("report.url %q must be an absolute URL", cfg.Report.URL)
		}
	}

	if cfg.Monitor.MQTT.Enabled {
		if strings.TrimSpace(cfg.Monitor.MQTT.Broker) == "" {
			return errors.New("monitor.mqtt.broker is required when monitor.mqtt.enabled=true")
		}
		if cfg.Monitor.MQTT.QoS < 0 || cfg.Monitor.MQTT.QoS > 2 {
			return errors.New("monitor.mqtt.qos must be 0, 1 or 2")
		}
	}

	if err := validateMessageTemplate("delivery.template", cfg.Delivery.Template); err != nil {
		return err
	}
	if cfg.Delivery.Telegram.Enabled {
		if strings.TrimSpace(cfg.Delivery.Telegram.BotToken) == "" {
			return errors.New("delivery.telegram.bot_token is required")
		}
		if strings.TrimSpace(cfg.Delivery.Telegram.ChatID) == "" {
			return errors.New("delivery.telegram.chat_id is required")
		}
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	return nil
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
// Params: normalized mode value.
// Returns: true for known modes.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// validateMessageTemplate checks template body parses.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseDeliveryTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
