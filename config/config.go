package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/alejandrodnm/quantamm/internal/domain"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del simulador.
type Config struct {
	Market        MarketConfig    `yaml:"market"`
	Arbitrage     ArbitrageConfig `yaml:"arbitrage"`
	ProtectiveBid BidConfig       `yaml:"protective_bid"`
	Simulation    SimConfig       `yaml:"simulation"`
	Storage       StorageConfig   `yaml:"storage"`
	Log           LogConfig       `yaml:"log"`
}

// MarketConfig define los pools de cada mercado simulado.
type MarketConfig struct {
	Name            string `yaml:"name"`
	Outcomes        int    `yaml:"outcomes"`
	InitialAsset    uint64 `yaml:"initial_asset"`
	InitialStable   uint64 `yaml:"initial_stable"`
	FeeBps          uint16 `yaml:"fee_bps"`
	SplitRatio      uint8  `yaml:"split_ratio"` // % de la liquidez spot que pasa al escrow
	Bootstrap       uint64 `yaml:"bootstrap"`   // 0 = domain.DefaultBootstrap
	CooldownMinutes int    `yaml:"cooldown_minutes"`
}

// ArbitrageConfig controla el crank.
type ArbitrageConfig struct {
	MinProfit              uint64  `yaml:"min_profit"`
	RatePerSecond          float64 `yaml:"rate_per_second"` // <= 0 sin límite
	Burst                  int     `yaml:"burst"`
	MaxFailures            int     `yaml:"max_failures"` // 0 = nunca pausar
	FailureCooldownSeconds int     `yaml:"failure_cooldown_seconds"`
	ScanWorkers            int     `yaml:"scan_workers"`
}

// BidConfig configura la protective bid. NAV vacío la desactiva.
type BidConfig struct {
	NAV      string `yaml:"nav"` // decimal, stable por unidad de asset (ej. "1.25")
	Capacity uint64 `yaml:"capacity"`
	FeeBps   uint16 `yaml:"fee_bps"`
}

// SimConfig controla la simulación de cmd/ammsim.
type SimConfig struct {
	Markets     int    `yaml:"markets"`
	Steps       int    `yaml:"steps"`
	Seed        int64  `yaml:"seed"`
	MaxTradeBps uint16 `yaml:"max_trade_bps"` // tamaño máximo de un swap, en bps de la reserva
	StepSeconds int    `yaml:"step_seconds"`  // avance del reloj simulado por paso
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// Parse decodifica YAML, aplica overrides de entorno y defaults, y valida.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &cfg, nil
}

// Cooldown devuelve la espera mínima entre split y recombine.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Market.CooldownMinutes) * time.Minute
}

// FailureCooldown devuelve la pausa del crank tras MaxFailures fallos seguidos.
func (c *Config) FailureCooldown() time.Duration {
	return time.Duration(c.Arbitrage.FailureCooldownSeconds) * time.Second
}

// StepInterval devuelve el avance del reloj simulado por paso.
func (c *Config) StepInterval() time.Duration {
	return time.Duration(c.Simulation.StepSeconds) * time.Second
}

// NAVPrice parses the bid NAV into domain.PriceScale fixed point. An empty NAV
// returns 0, which disables the bid.
func (b BidConfig) NAVPrice() (uint64, error) {
	if b.NAV == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(b.NAV)
	if err != nil {
		return 0, fmt.Errorf("protective_bid.nav %q: %w", b.NAV, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("protective_bid.nav must be > 0, got %s", b.NAV)
	}
	scaled := d.Shift(12).Truncate(0).BigInt()
	if !scaled.IsUint64() || scaled.Sign() == 0 {
		return 0, fmt.Errorf("protective_bid.nav %s out of range", b.NAV)
	}
	return scaled.Uint64(), nil
}

// Validate comprueba rangos y campos requeridos.
func (c *Config) Validate() error {
	m := c.Market
	if m.Outcomes < 1 || m.Outcomes > domain.MaxOutcomes {
		return fmt.Errorf("market.outcomes must be between 1 and %d, got %d", domain.MaxOutcomes, m.Outcomes)
	}
	if m.InitialAsset == 0 || m.InitialStable == 0 {
		return errors.New("market.initial_asset and market.initial_stable must be > 0")
	}
	if err := domain.ValidateFee(m.FeeBps); err != nil {
		return fmt.Errorf("market.fee_bps: %w", err)
	}
	if m.SplitRatio > 100 {
		return fmt.Errorf("market.split_ratio must be <= 100, got %d", m.SplitRatio)
	}
	if m.CooldownMinutes < 0 {
		return errors.New("market.cooldown_minutes must be >= 0")
	}

	a := c.Arbitrage
	if a.Burst < 1 {
		return errors.New("arbitrage.burst must be >= 1")
	}
	if a.MaxFailures < 0 {
		return errors.New("arbitrage.max_failures must be >= 0")
	}
	if a.FailureCooldownSeconds < 0 {
		return errors.New("arbitrage.failure_cooldown_seconds must be >= 0")
	}

	if _, err := c.ProtectiveBid.NAVPrice(); err != nil {
		return err
	}
	if err := domain.ValidateFee(c.ProtectiveBid.FeeBps); err != nil {
		return fmt.Errorf("protective_bid.fee_bps: %w", err)
	}

	s := c.Simulation
	if s.Markets < 1 {
		return errors.New("simulation.markets must be >= 1")
	}
	if s.Steps < 0 {
		return errors.New("simulation.steps must be >= 0")
	}
	if s.MaxTradeBps == 0 || s.MaxTradeBps > domain.FeeDenominator {
		return fmt.Errorf("simulation.max_trade_bps must be between 1 and %d, got %d", domain.FeeDenominator, s.MaxTradeBps)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q not supported", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q not supported", c.Log.Format)
	}
	return nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("QUANTAMM_DB"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("QUANTAMM_NAV"); v != "" {
		cfg.ProtectiveBid.NAV = v
	}
	if v := os.Getenv("QUANTAMM_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Simulation.Seed = seed
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Market.Name == "" {
		cfg.Market.Name = "market"
	}
	if cfg.Market.Outcomes == 0 {
		cfg.Market.Outcomes = 2
	}
	if cfg.Market.InitialAsset == 0 {
		cfg.Market.InitialAsset = 10_000_000
	}
	if cfg.Market.InitialStable == 0 {
		cfg.Market.InitialStable = 10_000_000
	}
	if cfg.Market.FeeBps == 0 {
		cfg.Market.FeeBps = 30 // 0.3%
	}
	if cfg.Market.SplitRatio == 0 {
		cfg.Market.SplitRatio = 50
	}
	if cfg.Market.CooldownMinutes == 0 {
		cfg.Market.CooldownMinutes = 6 * 60
	}
	if cfg.Arbitrage.Burst == 0 {
		cfg.Arbitrage.Burst = 1
	}
	if cfg.Arbitrage.FailureCooldownSeconds == 0 {
		cfg.Arbitrage.FailureCooldownSeconds = 60
	}
	if cfg.Simulation.Markets == 0 {
		cfg.Simulation.Markets = 1
	}
	if cfg.Simulation.Steps == 0 {
		cfg.Simulation.Steps = 200
	}
	if cfg.Simulation.Seed == 0 {
		cfg.Simulation.Seed = 1
	}
	if cfg.Simulation.MaxTradeBps == 0 {
		cfg.Simulation.MaxTradeBps = 200 // 2% de la reserva
	}
	if cfg.Simulation.StepSeconds == 0 {
		cfg.Simulation.StepSeconds = 60
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "quantamm.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
