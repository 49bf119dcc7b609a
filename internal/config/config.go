// Package config loads service policy from an optional YAML file and lets
// the environment override it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleetopt/internal/dispatch"
	"fleetopt/internal/geo"
	"fleetopt/internal/opt"
)

const DefaultPath = "config.yaml"

type OracleConfig struct {
	URL     string        `yaml:"url"`
	Profile string        `yaml:"profile"`
	RateRPS float64       `yaml:"rateRps"`
	Burst   int           `yaml:"burst"`
	Timeout time.Duration `yaml:"timeout"`
	// Offline swaps the HTTP oracle for great-circle estimates.
	Offline bool `yaml:"offline"`
}

type MatrixConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Retries     int           `yaml:"retries"`
	Backoff     time.Duration `yaml:"backoff"`
}

type ReoptConfig struct {
	Interval     time.Duration   `yaml:"interval"`
	Threshold    float64         `yaml:"threshold"`
	Cost         opt.CostWeights `yaml:",inline"`
	ConditionTTL time.Duration   `yaml:"conditionTTL"`
	Concurrency  int             `yaml:"concurrency"`
}

type DispatchConfig struct {
	Scorer        dispatch.ScoreWeights `yaml:"scorer"`
	MaxStops      int                   `yaml:"maxStops"`
	MaxIterations int                   `yaml:"maxIterations"`
	LockLease     time.Duration         `yaml:"lockLease"`
	// Depot is the optional savings anchor; vehicles' positions otherwise.
	Depot *geo.Point `yaml:"depot"`
}

type Config struct {
	Port               string   `yaml:"port"`
	DatabaseURL        string   `yaml:"databaseUrl"`
	DBMigrate          bool     `yaml:"dbMigrate"`
	RedisURL           string   `yaml:"redisUrl"`
	AMQPURL            string   `yaml:"amqpUrl"`
	MQTTBroker         string   `yaml:"mqttBroker"`
	MQTTClientID       string   `yaml:"mqttClientId"`
	WebhookURL         string   `yaml:"webhookUrl"`
	WebhookSecret      string   `yaml:"webhookSecret"`
	WebhookEvents      []string `yaml:"webhookEvents"`
	WebhookMaxAttempts int      `yaml:"webhookMaxAttempts"`

	Oracle   OracleConfig   `yaml:"oracle"`
	Matrix   MatrixConfig   `yaml:"matrix"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Reopt    ReoptConfig    `yaml:"reopt"`
}

func Default() Config {
	return Config{
		Port:               "8080",
		DBMigrate:          true,
		MQTTClientID:       "fleetopt",
		WebhookMaxAttempts: 10,
		Oracle: OracleConfig{
			URL:     "http://localhost:5000",
			Profile: "driving",
			RateRPS: 20,
			Burst:   5,
			Timeout: 10 * time.Second,
		},
		Matrix: MatrixConfig{Concurrency: 8, Retries: 3, Backoff: 200 * time.Millisecond},
		Dispatch: DispatchConfig{
			Scorer:        dispatch.DefaultScoreWeights,
			MaxIterations: 200,
			LockLease:     30 * time.Second,
		},
		Reopt: ReoptConfig{
			Interval:     5 * time.Minute,
			Threshold:    0.20,
			Cost:         opt.DefaultCostWeights,
			ConditionTTL: 30 * time.Minute,
			Concurrency:  4,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is fine when path is the default one.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PORT", &c.Port)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("AMQP_URL", &c.AMQPURL)
	str("MQTT_BROKER", &c.MQTTBroker)
	str("MQTT_CLIENT_ID", &c.MQTTClientID)
	str("WEBHOOK_URL", &c.WebhookURL)
	str("WEBHOOK_SECRET", &c.WebhookSecret)
	str("OSRM_URL", &c.Oracle.URL)

	var errs []error
	parse := func(key string, set func(string) error) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		if err := set(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	parse("DB_MIGRATE", func(v string) (err error) { c.DBMigrate, err = strconv.ParseBool(v); return })
	parse("ORACLE_OFFLINE", func(v string) (err error) { c.Oracle.Offline, err = strconv.ParseBool(v); return })
	parse("ORACLE_RATE_RPS", func(v string) (err error) { c.Oracle.RateRPS, err = strconv.ParseFloat(v, 64); return })
	parse("ORACLE_BURST", func(v string) (err error) { c.Oracle.Burst, err = strconv.Atoi(v); return })
	parse("WEBHOOK_MAX_ATTEMPTS", func(v string) (err error) { c.WebhookMaxAttempts, err = strconv.Atoi(v); return })
	parse("REOPT_INTERVAL", func(v string) (err error) { c.Reopt.Interval, err = time.ParseDuration(v); return })
	parse("REOPT_THRESHOLD", func(v string) (err error) { c.Reopt.Threshold, err = strconv.ParseFloat(v, 64); return })
	return errors.Join(errs...)
}

// Validate rejects policy values the optimizer cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Port != "", "port is required")
	check(c.Oracle.Offline || c.Oracle.URL != "", "oracle.url is required unless oracle.offline")
	check(c.Oracle.RateRPS > 0 && c.Oracle.Burst > 0, "oracle rate and burst must be > 0")
	check(c.Matrix.Concurrency > 0, "matrix.concurrency must be > 0")
	check(c.Matrix.Retries >= 0, "matrix.retries must be >= 0")
	check(c.Reopt.Interval > 0, "reopt.interval must be > 0")
	check(c.Reopt.Threshold >= 0 && c.Reopt.Threshold < 1, "reopt.threshold must be in [0,1)")
	check(c.Reopt.Cost.Time >= 0 && c.Reopt.Cost.Distance >= 0 && c.Reopt.Cost.Time+c.Reopt.Cost.Distance > 0,
		"reopt cost weights must be non-negative and not both zero")
	s := c.Dispatch.Scorer
	check(s.InternalBonus >= 0 && s.Distance >= 0 && s.Duration >= 0 && s.Reliability >= 0, "scorer weights must be >= 0")
	check(s.MaxRadiusM > 0 && s.MaxWait > 0, "scorer maxRadiusM and maxWait must be > 0")
	check(c.Dispatch.MaxStops >= 0, "dispatch.maxStops must be >= 0")
	check(c.Dispatch.Depot == nil || c.Dispatch.Depot.Valid(), "dispatch.depot must be a valid coordinate")
	check(c.WebhookURL == "" || c.WebhookSecret != "", "webhookSecret is required with webhookUrl")
	return errors.Join(errs...)
}
