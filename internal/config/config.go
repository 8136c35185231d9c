// Package config loads the engine's typed configuration surface with
// spf13/viper, mirroring the teacher pool's use of viper for node
// configuration. Every default below is bit-exact with spec §6.
package config

import (
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full configuration surface of the engine.
type Config struct {
	// Database is the LedgerStore's Postgres DSN.
	Database string `mapstructure:"database"`
	// Redis is the BalanceCache's connection address. Empty means run in
	// degraded/no-op accelerator mode (spec §4.2).
	Redis string `mapstructure:"redis"`

	MinReserveRatioPct    float64       `mapstructure:"min_reserve_ratio_pct"`
	MaxSingleAdvanceRatio float64       `mapstructure:"max_single_advance_ratio_pct"`
	MinAdvanceAmount      string        `mapstructure:"min_advance_amount"`
	MaxAdvanceAmount      string        `mapstructure:"max_advance_amount"`

	ReservationTTL       time.Duration `mapstructure:"reservation_ttl"`
	BalanceSnapshotTTL   time.Duration `mapstructure:"balance_snapshot_ttl"`
	PoolSummaryTTL       time.Duration `mapstructure:"pool_summary_ttl"`
	DistributedLockLease time.Duration `mapstructure:"distributed_lock_lease"`
	LockAcquireTimeout   time.Duration `mapstructure:"lock_acquire_timeout"`

	CriticalDefaultRatePct float64 `mapstructure:"critical_default_rate_pct"`
	WarningDefaultRatePct  float64 `mapstructure:"warning_default_rate_pct"`
	MaxUtilizationPct      float64 `mapstructure:"max_utilization_pct"`

	// WEIGHTED priority composite weights (spec §9: "the source's WEIGHTED
	// priority names weights but never defines them; treat weights as
	// configuration"). Loaded and defaulted here, but engine.New does not
	// pass them to the allocation engine: WEIGHTED ranking takes its weights
	// from allocation.Request.Weights, and a zero Weights value falls back to
	// the built-in 1, 0.0001, 10.
	AllocationWeightDefaultRate float64 `mapstructure:"allocation_weight_default_rate"`
	AllocationWeightAvailable   float64 `mapstructure:"allocation_weight_available"`
	AllocationWeightReturn      float64 `mapstructure:"allocation_weight_return"`

	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogFile     string `mapstructure:"log_file"`
}

// Defaults returns the bit-exact defaults named in spec §6.
func Defaults() Config {
	return Config{
		MinReserveRatioPct:     15,
		MaxSingleAdvanceRatio:  10,
		MinAdvanceAmount:       "5000",
		MaxAdvanceAmount:       "500000",
		ReservationTTL:         300 * time.Second,
		BalanceSnapshotTTL:     30 * time.Second,
		PoolSummaryTTL:         60 * time.Second,
		DistributedLockLease:   10 * time.Second,
		LockAcquireTimeout:     5 * time.Second,
		CriticalDefaultRatePct: 10,
		WarningDefaultRatePct:  5,
		MaxUtilizationPct:      85,

		AllocationWeightDefaultRate: 1,
		AllocationWeightAvailable:   0.0001,
		AllocationWeightReturn:      10,

		RetryMaxAttempts:       3,
		RetryBaseDelay:         50 * time.Millisecond,
		MetricsAddr:            ":9464",
		LogLevel:               "info",
	}
}

// Load reads configuration from (in increasing precedence) defaults, an
// optional config file, LPCE_-prefixed environment variables, and flags,
// the way the teacher's node config layers viper sources.
func Load(flags *pflag.FlagSet, configPath string) (Config, error) {
	v := viper.New()

	def := Defaults()
	v.SetDefault("min_reserve_ratio_pct", def.MinReserveRatioPct)
	v.SetDefault("max_single_advance_ratio_pct", def.MaxSingleAdvanceRatio)
	v.SetDefault("min_advance_amount", def.MinAdvanceAmount)
	v.SetDefault("max_advance_amount", def.MaxAdvanceAmount)
	v.SetDefault("reservation_ttl", def.ReservationTTL)
	v.SetDefault("balance_snapshot_ttl", def.BalanceSnapshotTTL)
	v.SetDefault("pool_summary_ttl", def.PoolSummaryTTL)
	v.SetDefault("distributed_lock_lease", def.DistributedLockLease)
	v.SetDefault("lock_acquire_timeout", def.LockAcquireTimeout)
	v.SetDefault("critical_default_rate_pct", def.CriticalDefaultRatePct)
	v.SetDefault("warning_default_rate_pct", def.WarningDefaultRatePct)
	v.SetDefault("max_utilization_pct", def.MaxUtilizationPct)
	v.SetDefault("allocation_weight_default_rate", def.AllocationWeightDefaultRate)
	v.SetDefault("allocation_weight_available", def.AllocationWeightAvailable)
	v.SetDefault("allocation_weight_return", def.AllocationWeightReturn)
	v.SetDefault("retry_max_attempts", def.RetryMaxAttempts)
	v.SetDefault("retry_base_delay", def.RetryBaseDelay)
	v.SetDefault("metrics_addr", def.MetricsAddr)
	v.SetDefault("log_level", def.LogLevel)

	v.SetEnvPrefix("LPCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		Database:               v.GetString("database"),
		Redis:                  v.GetString("redis"),
		MinReserveRatioPct:      v.GetFloat64("min_reserve_ratio_pct"),
		MaxSingleAdvanceRatio:   v.GetFloat64("max_single_advance_ratio_pct"),
		MinAdvanceAmount:        v.GetString("min_advance_amount"),
		MaxAdvanceAmount:        v.GetString("max_advance_amount"),
		ReservationTTL:          v.GetDuration("reservation_ttl"),
		BalanceSnapshotTTL:      v.GetDuration("balance_snapshot_ttl"),
		PoolSummaryTTL:          v.GetDuration("pool_summary_ttl"),
		DistributedLockLease:    v.GetDuration("distributed_lock_lease"),
		LockAcquireTimeout:      v.GetDuration("lock_acquire_timeout"),
		CriticalDefaultRatePct:  v.GetFloat64("critical_default_rate_pct"),
		WarningDefaultRatePct:   v.GetFloat64("warning_default_rate_pct"),
		MaxUtilizationPct:       v.GetFloat64("max_utilization_pct"),
		AllocationWeightDefaultRate: v.GetFloat64("allocation_weight_default_rate"),
		AllocationWeightAvailable:   v.GetFloat64("allocation_weight_available"),
		AllocationWeightReturn:      v.GetFloat64("allocation_weight_return"),
		RetryMaxAttempts:        cast.ToInt(v.Get("retry_max_attempts")),
		RetryBaseDelay:          v.GetDuration("retry_base_delay"),
		MetricsAddr:             v.GetString("metrics_addr"),
		LogLevel:                v.GetString("log_level"),
		LogFile:                 v.GetString("log_file"),
	}
	return cfg, nil
}
