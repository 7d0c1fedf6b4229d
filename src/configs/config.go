package configs

import (
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// RPC info.
type RPC struct {
	Enable bool   `yaml:"enable" json:"enable"`
	Bind   string `yaml:"bind" json:"bind"`
	// MaxStreamsPerHost caps concurrent streaming connections accepted
	// from a single remote host. 0 disables the cap.
	MaxStreamsPerHost int `yaml:"max_streams_per_host" json:"max_streams_per_host"`
}

var defaultRPC = RPC{
	Enable:            true,
	Bind:              ":8080",
	MaxStreamsPerHost: 32,
}

func (r *RPC) verify() error {
	if r == nil {
		return nil
	}
	if !r.Enable {
		return nil
	}
	if _, err := net.ResolveTCPAddr("tcp", r.Bind); err != nil {
		return fmt.Errorf("invalid rpc bind address: %w", err)
	}
	return nil
}

type Log struct {
	OutPutFolder string `yaml:"out_put_folder" json:"out_put_folder"`
	SaveLastLog  bool   `yaml:"save_last_log" json:"save_last_log"`
	// RotateDays limits how many daily log files are kept (<=0 keeps all).
	RotateDays int `yaml:"rotate_days" json:"rotate_days"`
}

var defaultLog = Log{
	OutPutFolder: ".",
	SaveLastLog:  false,
	RotateDays:   7,
}

// Sentry crash reporting. Disabled unless a DSN is configured.
type Sentry struct {
	DSN         string `yaml:"dsn" json:"dsn"`
	Environment string `yaml:"environment" json:"environment"`
}

var defaultSentry = Sentry{
	DSN:         "",
	Environment: "production",
}

// Sampler drives the load sampler/classifier.
type Sampler struct {
	IntervalSec int `yaml:"interval_sec" json:"interval_sec"`
	// HistorySize bounds the in-memory ring of recent samples consumed
	// by the tuner and the predictive balancer.
	HistorySize       int     `yaml:"history_size" json:"history_size"`
	ElevatedThreshold float64 `yaml:"elevated_threshold" json:"elevated_threshold"`
	HighThreshold     float64 `yaml:"high_threshold" json:"high_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold" json:"critical_threshold"`
}

var defaultSampler = Sampler{
	IntervalSec:       2,
	HistorySize:       64,
	ElevatedThreshold: 0.6,
	HighThreshold:     0.75,
	CriticalThreshold: 0.9,
}

func (s *Sampler) verify() error {
	if s.IntervalSec <= 0 {
		return fmt.Errorf("sampler interval must be positive")
	}
	if s.HistorySize <= 0 {
		return fmt.Errorf("sampler history size must be positive")
	}
	if !(s.ElevatedThreshold < s.HighThreshold && s.HighThreshold < s.CriticalThreshold) {
		return fmt.Errorf("sampler thresholds must be strictly increasing")
	}
	return nil
}

// Novelty drives the statistical novelty detector.
type Novelty struct {
	ZThreshold float64 `yaml:"z_threshold" json:"z_threshold"`
	// WarmupSamples are absorbed into a baseline before any value can
	// trigger a novelty event.
	WarmupSamples int `yaml:"warmup_samples" json:"warmup_samples"`
	RecentEvents  int `yaml:"recent_events" json:"recent_events"`
	StalenessSec  int `yaml:"staleness_sec" json:"staleness_sec"`
	MaxBaselines  int `yaml:"max_baselines" json:"max_baselines"`
}

var defaultNovelty = Novelty{
	ZThreshold:    3.0,
	WarmupSamples: 5,
	RecentEvents:  10,
	StalenessSec:  300,
	MaxBaselines:  4096,
}

func (n *Novelty) verify() error {
	if n.ZThreshold <= 0 {
		return fmt.Errorf("novelty z threshold must be positive")
	}
	if n.MaxBaselines <= 0 {
		return fmt.Errorf("novelty baseline capacity must be positive")
	}
	return nil
}

// Circadian drives the time-of-day demand predictor.
type Circadian struct {
	TickIntervalSec  int     `yaml:"tick_interval_sec" json:"tick_interval_sec"`
	Alpha            float64 `yaml:"alpha" json:"alpha"`
	PeakThreshold    float64 `yaml:"peak_threshold" json:"peak_threshold"`
	OffPeakThreshold float64 `yaml:"off_peak_threshold" json:"off_peak_threshold"`
	// WarmupDays is how far back the history store is read to seed the
	// profile on boot. 0 starts flat.
	WarmupDays int `yaml:"warmup_days" json:"warmup_days"`
}

var defaultCircadian = Circadian{
	TickIntervalSec:  60,
	Alpha:            0.05,
	PeakThreshold:    0.7,
	OffPeakThreshold: 0.25,
	WarmupDays:       7,
}

func (c *Circadian) verify() error {
	if c.TickIntervalSec <= 0 {
		return fmt.Errorf("circadian tick interval must be positive")
	}
	if c.Alpha <= 0 || c.Alpha >= 1 {
		return fmt.Errorf("circadian alpha must be in (0,1)")
	}
	if c.OffPeakThreshold >= c.PeakThreshold {
		return fmt.Errorf("circadian off-peak threshold must be below peak threshold")
	}
	return nil
}

// Predictive drives the predictive load balancer.
type Predictive struct {
	IntervalSec int `yaml:"interval_sec" json:"interval_sec"`
	// TrendWindow is how many recent samples feed the slope estimate.
	TrendWindow    int     `yaml:"trend_window" json:"trend_window"`
	RiseSlope      float64 `yaml:"rise_slope" json:"rise_slope"`
	BoostFactor    float64 `yaml:"boost_factor" json:"boost_factor"`
	ThrottleFactor float64 `yaml:"throttle_factor" json:"throttle_factor"`
	// DecayRate pulls a post-peak factor back toward 1 each tick.
	DecayRate float64 `yaml:"decay_rate" json:"decay_rate"`
}

var defaultPredictive = Predictive{
	IntervalSec:    5,
	TrendWindow:    10,
	RiseSlope:      0.01,
	BoostFactor:    0.8,
	ThrottleFactor: 1.25,
	DecayRate:      0.5,
}

func (p *Predictive) verify() error {
	if p.IntervalSec <= 0 {
		return fmt.Errorf("predictive interval must be positive")
	}
	if p.TrendWindow < 2 {
		return fmt.Errorf("predictive trend window must be at least 2")
	}
	if p.BoostFactor <= 0 || p.BoostFactor >= 1 {
		return fmt.Errorf("predictive boost factor must be in (0,1)")
	}
	if p.ThrottleFactor <= 1 {
		return fmt.Errorf("predictive throttle factor must exceed 1")
	}
	if p.DecayRate <= 0 || p.DecayRate >= 1 {
		return fmt.Errorf("predictive decay rate must be in (0,1)")
	}
	return nil
}

// Arbiter drives the competitive budget allocation.
type Arbiter struct {
	Capacity         float64 `yaml:"capacity" json:"capacity"`
	Floor            float64 `yaml:"floor" json:"floor"`
	Ceiling          float64 `yaml:"ceiling" json:"ceiling"`
	Hysteresis       float64 `yaml:"hysteresis" json:"hysteresis"`
	EvalIntervalSec  int     `yaml:"eval_interval_sec" json:"eval_interval_sec"`
	NoveltyBoost     float64 `yaml:"novelty_boost" json:"novelty_boost"`
	NoveltyWindowSec int     `yaml:"novelty_window_sec" json:"novelty_window_sec"`
}

var defaultArbiter = Arbiter{
	Capacity:         1.0,
	Floor:            0.05,
	Ceiling:          0.5,
	Hysteresis:       0.1,
	EvalIntervalSec:  5,
	NoveltyBoost:     1.0,
	NoveltyWindowSec: 30,
}

func (a *Arbiter) verify() error {
	if a.Capacity <= 0 || a.Capacity > 1 {
		return fmt.Errorf("arbiter capacity must be in (0,1]")
	}
	if a.Floor < 0 || a.Ceiling <= 0 || a.Floor >= a.Ceiling {
		return fmt.Errorf("arbiter floor must be below ceiling")
	}
	if a.Ceiling > a.Capacity {
		return fmt.Errorf("arbiter ceiling cannot exceed capacity")
	}
	return nil
}

// Attention holds the viewer-count breakpoints that derive an attention
// level. The breakpoints are policy, not protocol, hence configurable.
type Attention struct {
	LowViewers     int `yaml:"low_viewers" json:"low_viewers"`
	MediumViewers  int `yaml:"medium_viewers" json:"medium_viewers"`
	HighViewers    int `yaml:"high_viewers" json:"high_viewers"`
	OwnerTimeoutMs int `yaml:"owner_timeout_ms" json:"owner_timeout_ms"`
}

var defaultAttention = Attention{
	LowViewers:     1,
	MediumViewers:  2,
	HighViewers:    5,
	OwnerTimeoutMs: 1000,
}

func (a *Attention) verify() error {
	if !(0 < a.LowViewers && a.LowViewers <= a.MediumViewers && a.MediumViewers <= a.HighViewers) {
		return fmt.Errorf("attention breakpoints must be ordered low <= medium <= high")
	}
	if a.OwnerTimeoutMs <= 0 {
		return fmt.Errorf("attention owner timeout must be positive")
	}
	return nil
}

// TargetDistribution is the desired long-run share of each load level.
// Fractions must sum to 1.
type TargetDistribution struct {
	Normal   float64 `yaml:"normal" json:"normal"`
	Elevated float64 `yaml:"elevated" json:"elevated"`
	High     float64 `yaml:"high" json:"high"`
	Critical float64 `yaml:"critical" json:"critical"`
}

func (t TargetDistribution) sum() float64 {
	return t.Normal + t.Elevated + t.High + t.Critical
}

// Homeostat drives the threshold tuner.
type Homeostat struct {
	TuneIntervalSec int                `yaml:"tune_interval_sec" json:"tune_interval_sec"`
	WindowSize      int                `yaml:"window_size" json:"window_size"`
	Target          TargetDistribution `yaml:"target" json:"target"`
	Tolerance       float64            `yaml:"tolerance" json:"tolerance"`
	Step            float64            `yaml:"step" json:"step"`
	MaxOffset       float64            `yaml:"max_offset" json:"max_offset"`
}

var defaultHomeostat = Homeostat{
	TuneIntervalSec: 15,
	WindowSize:      30,
	Target: TargetDistribution{
		Normal:   0.70,
		Elevated: 0.20,
		High:     0.08,
		Critical: 0.02,
	},
	Tolerance: 0.05,
	Step:      0.02,
	MaxOffset: 0.1,
}

func (h *Homeostat) verify() error {
	if h.TuneIntervalSec <= 0 {
		return fmt.Errorf("homeostat tune interval must be positive")
	}
	if h.WindowSize <= 0 {
		return fmt.Errorf("homeostat window size must be positive")
	}
	if math.Abs(h.Target.sum()-1.0) > 0.001 {
		return fmt.Errorf("homeostat target distribution must sum to 1, got %.3f", h.Target.sum())
	}
	if h.Step <= 0 || h.Step > h.MaxOffset {
		return fmt.Errorf("homeostat step must be positive and within max offset")
	}
	return nil
}

// AdviceEntry is the batching recommendation published to upstream
// producers for one attention level.
type AdviceEntry struct {
	WindowMs  int `yaml:"window_ms" json:"window_ms"`
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// Priority drives the per-connection quality controller.
type Priority struct {
	DecisionIntervalMs int `yaml:"decision_interval_ms" json:"decision_interval_ms"`
	// HysteresisTicks is how many extra consecutive decisions a lower
	// tier must persist before a downgrade applies. Upgrades are
	// immediate.
	HysteresisTicks int `yaml:"hysteresis_ticks" json:"hysteresis_ticks"`
	// StarvationBudget demotes a connection one tier when the arbiter
	// grants its sources less than this fraction under high load.
	StarvationBudget float64 `yaml:"starvation_budget" json:"starvation_budget"`
	// TierBoundaries are the effective-pressure upper bounds for the
	// high, medium, low and minimal tiers; at or above the last bound
	// the decision is paused.
	TierBoundaries []float64 `yaml:"tier_boundaries" json:"tier_boundaries"`

	AdviceNone   AdviceEntry `yaml:"advice_none" json:"advice_none"`
	AdviceLow    AdviceEntry `yaml:"advice_low" json:"advice_low"`
	AdviceMedium AdviceEntry `yaml:"advice_medium" json:"advice_medium"`
	AdviceHigh   AdviceEntry `yaml:"advice_high" json:"advice_high"`
}

var defaultPriority = Priority{
	DecisionIntervalMs: 1000,
	HysteresisTicks:    1,
	StarvationBudget:   0.02,
	TierBoundaries:     []float64{0.5, 1.5, 2.25, 3.0},
	AdviceNone:         AdviceEntry{WindowMs: 5000, BatchSize: 20},
	AdviceLow:          AdviceEntry{WindowMs: 2000, BatchSize: 10},
	AdviceMedium:       AdviceEntry{WindowMs: 500, BatchSize: 5},
	AdviceHigh:         AdviceEntry{WindowMs: 100, BatchSize: 1},
}

func (p *Priority) verify() error {
	if p.DecisionIntervalMs <= 0 {
		return fmt.Errorf("priority decision interval must be positive")
	}
	if p.HysteresisTicks < 0 {
		return fmt.Errorf("priority hysteresis ticks cannot be negative")
	}
	if len(p.TierBoundaries) != 4 {
		return fmt.Errorf("priority tier boundaries must have exactly 4 entries")
	}
	prev := 0.0
	for _, b := range p.TierBoundaries {
		if b <= prev {
			return fmt.Errorf("priority tier boundaries must be positive and strictly increasing")
		}
		prev = b
	}
	return nil
}

// Delivery holds the flush windows per quality tier.
type Delivery struct {
	HighMs    int `yaml:"high_ms" json:"high_ms"`
	MediumMs  int `yaml:"medium_ms" json:"medium_ms"`
	LowMs     int `yaml:"low_ms" json:"low_ms"`
	MinimalMs int `yaml:"minimal_ms" json:"minimal_ms"`
	// PausedRecheckMs is how often a paused buffer re-checks its tier.
	PausedRecheckMs int `yaml:"paused_recheck_ms" json:"paused_recheck_ms"`
	// MaxPending bounds a connection's pending batch; beyond it the
	// oldest entries are shed.
	MaxPending int `yaml:"max_pending" json:"max_pending"`
}

var defaultDelivery = Delivery{
	HighMs:          16,
	MediumMs:        100,
	LowMs:           500,
	MinimalMs:       2000,
	PausedRecheckMs: 1000,
	MaxPending:      4096,
}

func (d *Delivery) verify() error {
	if d.HighMs <= 0 || d.MediumMs <= 0 || d.LowMs <= 0 || d.MinimalMs <= 0 {
		return fmt.Errorf("delivery flush windows must be positive")
	}
	if !(d.HighMs <= d.MediumMs && d.MediumMs <= d.LowMs && d.LowMs <= d.MinimalMs) {
		return fmt.Errorf("delivery flush windows must not shrink as quality drops")
	}
	if d.MaxPending <= 0 {
		return fmt.Errorf("delivery pending cap must be positive")
	}
	return nil
}

// Ingest configures the inbound measurement boundary.
type Ingest struct {
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// Shards is the number of consumer goroutines; measurements are
	// routed by source id so per-source order is preserved.
	Shards int `yaml:"shards" json:"shards"`
}

var defaultIngest = Ingest{
	QueueSize: 1024,
	Shards:    4,
}

func (i *Ingest) verify() error {
	if i.QueueSize <= 0 || i.Shards <= 0 {
		return fmt.Errorf("ingest queue size and shards must be positive")
	}
	return nil
}

// History configures the sqlite-backed load sample store used to warm
// the circadian profile. Optional; disabling it keeps the daemon fully
// in-memory.
type History struct {
	Enable        bool   `yaml:"enable" json:"enable"`
	DBPath        string `yaml:"db_path" json:"db_path"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days"`
}

var defaultHistory = History{
	Enable:        true,
	DBPath:        "",
	RetentionDays: 14,
}

// Config content all config info.
type Config struct {
	File  string `yaml:"-" json:"-"`
	RPC   RPC    `yaml:"rpc" json:"rpc"`
	Debug bool   `yaml:"debug" json:"debug"`

	AppDataPath string `yaml:"app_data_path" json:"app_data_path"`

	Log        Log        `yaml:"log" json:"log"`
	Sentry     Sentry     `yaml:"sentry" json:"sentry"`
	Sampler    Sampler    `yaml:"sampler" json:"sampler"`
	Novelty    Novelty    `yaml:"novelty" json:"novelty"`
	Circadian  Circadian  `yaml:"circadian" json:"circadian"`
	Predictive Predictive `yaml:"predictive" json:"predictive"`
	Arbiter    Arbiter    `yaml:"arbiter" json:"arbiter"`
	Attention  Attention  `yaml:"attention" json:"attention"`
	Homeostat  Homeostat  `yaml:"homeostat" json:"homeostat"`
	Priority   Priority   `yaml:"priority" json:"priority"`
	Delivery   Delivery   `yaml:"delivery" json:"delivery"`
	Ingest     Ingest     `yaml:"ingest" json:"ingest"`
	History    History    `yaml:"history" json:"history"`
}

// Current config pointer behind an atomic.Value to avoid data races
// between the HTTP handlers and startup.
var config atomic.Value // stores *Config

// Debug flag kept separately for high-frequency reads.
var currentDebug atomic.Bool

func SetCurrentConfig(cfg *Config) {
	if cfg == nil {
		config.Store((*Config)(nil))
		currentDebug.Store(false)
		return
	}
	config.Store(cfg)
	currentDebug.Store(cfg.Debug)
}

func GetCurrentConfig() *Config {
	v := config.Load()
	if v == nil {
		return nil
	}
	return v.(*Config)
}

func IsDebug() bool {
	return currentDebug.Load()
}

var defaultConfig = Config{
	RPC:         defaultRPC,
	Debug:       false,
	AppDataPath: "",
	Log:         defaultLog,
	Sentry:      defaultSentry,
	Sampler:     defaultSampler,
	Novelty:     defaultNovelty,
	Circadian:   defaultCircadian,
	Predictive:  defaultPredictive,
	Arbiter:     defaultArbiter,
	Attention:   defaultAttention,
	Homeostat:   defaultHomeostat,
	Priority:    defaultPriority,
	Delivery:    defaultDelivery,
	Ingest:      defaultIngest,
	History:     defaultHistory,
}

func NewConfig() *Config {
	config := defaultConfig
	config.Priority.TierBoundaries = append([]float64(nil), defaultConfig.Priority.TierBoundaries...)
	newConfigPostProcess(&config)
	return &config
}

func newConfigPostProcess(c *Config) {
	if c.AppDataPath == "" {
		c.AppDataPath = filepath.Join(".", ".appdata")
	}
	if c.History.DBPath == "" {
		c.History.DBPath = filepath.Join(c.AppDataPath, "db", "loadhistory.db")
	}
}

// Verify will return an error when this config has problem.
func (c *Config) Verify() error {
	if c == nil {
		return fmt.Errorf("config does not exist")
	}
	if err := c.RPC.verify(); err != nil {
		return err
	}
	for _, verify := range []func() error{
		c.Sampler.verify,
		c.Novelty.verify,
		c.Circadian.verify,
		c.Predictive.verify,
		c.Arbiter.verify,
		c.Attention.verify,
		c.Homeostat.verify,
		c.Priority.verify,
		c.Delivery.verify,
		c.Ingest.verify,
	} {
		if err := verify(); err != nil {
			return err
		}
	}
	return nil
}

func NewConfigWithBytes(b []byte) (*Config, error) {
	config := defaultConfig
	config.Priority.TierBoundaries = append([]float64(nil), defaultConfig.Priority.TierBoundaries...)
	if err := yaml.Unmarshal(b, &config); err != nil {
		return nil, err
	}
	newConfigPostProcess(&config)
	return &config, nil
}

func NewConfigWithFile(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("can`t open file: %s", file)
	}
	config, err := NewConfigWithBytes(b)
	if err != nil {
		return nil, err
	}
	config.File = file
	return config, nil
}

func (c *Config) Marshal() error {
	if c.File == "" {
		return errors.New("config path not set")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.File, b, 0644)
}
