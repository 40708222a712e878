package ops

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/chaos"
	"github.com/IggyIkenna/basis-strategy-v1/internal/execution"
	"github.com/IggyIkenna/basis-strategy-v1/internal/pnl"
	"github.com/IggyIkenna/basis-strategy-v1/internal/risk"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/internal/strategy"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/backoff"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

const component = "config"

var api = sonic.Config{
	DisallowUnknownFields: true,
	ValidateString:        true,
}.Froze()

// Mode selects how ticks are produced and venues are reached.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Strategy    StrategyConfig     `json:"strategy"`
	Instruments []InstrumentConfig `json:"instruments"`
	Venues      []VenueConfig      `json:"venues"`
	Basis       *BasisConfig       `json:"basis,omitempty"`
	Lending     *LendingConfig     `json:"lending,omitempty"`
	Risk        risk.Config        `json:"risk"`
	PnL         PnLConfig          `json:"pnl"`
	Execution   ExecutionConfig    `json:"execution"`
	Backtest    BacktestConfig     `json:"backtest"`
	Live        LiveConfig         `json:"live"`
	Sink        SinkConfig         `json:"sink"`
}

// StrategyConfig identifies the strategy instance and its capital.
type StrategyConfig struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	Mode               Mode            `json:"mode"`
	ReportingAsset     schema.Asset    `json:"reportingAsset"`
	Capital            decimal.Decimal `json:"capital"`
	SeedVenue          schema.Venue    `json:"seedVenue"`
	RebalanceThreshold decimal.Decimal `json:"rebalanceThreshold"`
}

// InstrumentConfig describes one tracked (venue, asset) balance.
type InstrumentConfig struct {
	Venue                schema.Venue            `json:"venue"`
	Asset                schema.Asset            `json:"asset"`
	Kind                 schema.InstrumentKind   `json:"kind"`
	Conversion           schema.ConversionMethod `json:"conversion"`
	Underlying           schema.Asset            `json:"underlying,omitempty"`
	Protocol             string                  `json:"protocol,omitempty"`
	Settlement           schema.Asset            `json:"settlement,omitempty"`
	LiquidationThreshold decimal.Decimal         `json:"liquidationThreshold"`
}

// VenueConfig describes how a venue is reached.
type VenueConfig struct {
	Name schema.Venue `json:"name"`
	// Type is "simulated" or "http".
	Type    string                `json:"type"`
	Fees    execution.FeeSchedule `json:"fees"`
	URL     string                `json:"url,omitempty"`
	Timeout Duration              `json:"timeout"`
	Chaos   *ChaosConfig          `json:"chaos,omitempty"`
}

// ChaosConfig enables fault injection on a venue.
type ChaosConfig struct {
	Seed              int64                    `json:"seed"`
	RejectRate        float64                  `json:"rejectRate"`
	UnavailableRate   float64                  `json:"unavailableRate"`
	MaxDelay          Duration                 `json:"maxDelay"`
	FailInstructions  []string                 `json:"failInstructions,omitempty"`
	FailKinds         []schema.InstructionKind `json:"failKinds,omitempty"`
	FundingMultiplier decimal.Decimal          `json:"fundingMultiplier"`
}

// BasisConfig holds the basis planner parameters.
type BasisConfig struct {
	Underlying   schema.Asset          `json:"underlying"`
	Quote        schema.Asset          `json:"quote"`
	Allocations  []strategy.Allocation `json:"allocations"`
	Reserve      decimal.Decimal       `json:"reserve"`
	QtyPrecision int32                 `json:"qtyPrecision"`
}

// LendingConfig holds the lending planner parameters.
type LendingConfig struct {
	Quote       schema.Asset          `json:"quote"`
	Allocations []strategy.Allocation `json:"allocations"`
	Reserve     decimal.Decimal       `json:"reserve"`
	Precision   int32                 `json:"precision"`
}

// PnLConfig controls reconciliation. Every field but Components is required.
type PnLConfig struct {
	Tolerance     *decimal.Decimal `json:"tolerance"`
	AbsoluteFloor *decimal.Decimal `json:"absoluteFloor"`
	FundingHours  []int            `json:"fundingHours"`
	Components    []string         `json:"components,omitempty"`
}

// ExecutionConfig controls venue dispatch. Zero fields take the mode defaults.
type ExecutionConfig struct {
	Attempts      int      `json:"attempts"`
	BackoffMin    Duration `json:"backoffMin"`
	BackoffMax    Duration `json:"backoffMax"`
	BackoffFactor float64  `json:"backoffFactor"`
	Jitter        float64  `json:"jitter"`
	VenueTimeout  Duration `json:"venueTimeout"`
	Parallelism   int      `json:"parallelism"`
}

// BacktestConfig is the historical window.
type BacktestConfig struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Step    Duration  `json:"step"`
	DataDir string    `json:"dataDir"`
	// MaxAge bounds how old a historical value may be; zero is unbounded.
	MaxAge Duration `json:"maxAge"`
}

// LiveConfig controls the live tick loop.
type LiveConfig struct {
	Interval    Duration `json:"interval"`
	DataURL     string   `json:"dataUrl"`
	DataTimeout Duration `json:"dataTimeout"`
	QueueSize   int      `json:"queueSize"`
	// SyncBalances pulls venue balances at the start of every tick.
	SyncBalances bool `json:"syncBalances"`
}

// SinkConfig selects the results sinks. Every configured sink receives
// every tick.
type SinkConfig struct {
	JournalDir      string `json:"journalDir"`
	SyncEveryRecord bool   `json:"syncEveryRecord"`
	SnapshotPath    string `json:"snapshotPath"`
	SQLitePath      string `json:"sqlitePath"`
	PostgresDSN     string `json:"postgresDsn"`
}

// Duration is a time.Duration written as "30s" in JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Strategy   StrategyConfig
	Registry   *schema.Registry
	Planner    strategy.Planner
	Decision   strategy.Config
	Risk       risk.Config
	PnL        pnl.Config
	Components []pnl.Component
	Execution  execution.Config
	Venues     []VenueSpec
	Backtest   BacktestConfig
	Live       LiveConfig
	Sink       SinkConfig
}

// VenueSpec is a resolved venue.
type VenueSpec struct {
	Name  schema.Venue
	Type  string
	Fees  execution.FeeSchedule
	HTTP  execution.HTTPConfig
	Chaos *chaos.Config
	// Timeout bounds one HTTP request.
	Timeout time.Duration
}

// Load reads a JSON config file, overlays the environment and any .env
// files, and validates the result.
func Load(path string, envFiles ...string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, exception.Configuration(component, exception.CodeConfigMissing, "read config file").
			With("path", path).
			Wrap(err)
	}
	env, err := Environment(envFiles...)
	if err != nil {
		return Loaded{}, err
	}
	return Parse(data, env)
}

// Parse decodes and resolves a config document with the given environment.
func Parse(data []byte, env map[string]string) (Loaded, error) {
	var cfg FileConfig
	if err := api.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, exception.Configuration(component, exception.CodeConfigInvalid, "decode config").Wrap(err)
	}
	return Resolve(cfg, env)
}

// Resolve validates a decoded config and builds the runtime objects.
func Resolve(cfg FileConfig, env map[string]string) (Loaded, error) {
	overlay(&cfg, env)

	if err := validateStrategy(cfg.Strategy); err != nil {
		return Loaded{}, err
	}
	registry, err := buildRegistry(cfg.Strategy.ReportingAsset, cfg.Instruments)
	if err != nil {
		return Loaded{}, err
	}
	if _, ok := registry.Instrument(schema.Key(cfg.Strategy.SeedVenue, cfg.Strategy.ReportingAsset)); !ok {
		return Loaded{}, invalid("strategy.seedVenue", "seed venue has no reporting asset instrument", cfg.Strategy.SeedVenue)
	}

	planner, err := buildPlanner(cfg, registry)
	if err != nil {
		return Loaded{}, err
	}
	venues, err := buildVenues(cfg, registry, env)
	if err != nil {
		return Loaded{}, err
	}
	pnlCfg, components, err := buildPnL(cfg.PnL)
	if err != nil {
		return Loaded{}, err
	}
	execCfg, err := buildExecution(cfg.Strategy.Mode, cfg.Execution)
	if err != nil {
		return Loaded{}, err
	}
	if err := validateMode(cfg); err != nil {
		return Loaded{}, err
	}

	return Loaded{
		Strategy: cfg.Strategy,
		Registry: registry,
		Planner:  planner,
		Decision: strategy.Config{
			StrategyID:         cfg.Strategy.ID,
			RebalanceThreshold: cfg.Strategy.RebalanceThreshold,
		},
		Risk:       cfg.Risk,
		PnL:        pnlCfg,
		Components: components,
		Execution:  execCfg,
		Venues:     venues,
		Backtest:   cfg.Backtest,
		Live:       cfg.Live,
		Sink:       cfg.Sink,
	}, nil
}

func validateStrategy(s StrategyConfig) error {
	switch {
	case s.ID == "":
		return missingField("strategy.id")
	case s.Type == "":
		return missingField("strategy.type")
	case s.ReportingAsset == "":
		return missingField("strategy.reportingAsset")
	case s.SeedVenue == "":
		return missingField("strategy.seedVenue")
	case !s.Capital.IsPositive():
		return invalid("strategy.capital", "capital must be > 0", s.Capital.String())
	case !s.RebalanceThreshold.IsPositive():
		return invalid("strategy.rebalanceThreshold", "rebalance threshold must be > 0", s.RebalanceThreshold.String())
	}
	switch s.Mode {
	case ModeBacktest, ModeLive:
	case "":
		return missingField("strategy.mode")
	default:
		return invalid("strategy.mode", "mode must be backtest or live", s.Mode)
	}
	return nil
}

func buildRegistry(reporting schema.Asset, instruments []InstrumentConfig) (*schema.Registry, error) {
	if len(instruments) == 0 {
		return nil, missingField("instruments")
	}
	reg := schema.NewRegistry(reporting)
	for i, inst := range instruments {
		field := fmt.Sprintf("instruments[%d]", i)
		if inst.Kind == schema.InstrumentPerp && inst.Settlement == "" {
			return nil, missingField(field + ".settlement")
		}
		if inst.Conversion == schema.ConversionProtocolIndex && inst.Protocol == "" {
			return nil, missingField(field + ".protocol")
		}
		err := reg.Add(schema.Instrument{
			Key:                  schema.Key(inst.Venue, inst.Asset),
			Kind:                 inst.Kind,
			Conversion:           inst.Conversion,
			Underlying:           inst.Underlying,
			Protocol:             inst.Protocol,
			Settlement:           inst.Settlement,
			LiquidationThreshold: inst.LiquidationThreshold,
		})
		if err != nil {
			return nil, exception.Configuration(component, exception.CodeConfigInvalid, "invalid instrument").
				With("field", field).
				Wrap(err)
		}
	}
	for i, inst := range instruments {
		if inst.Settlement == "" {
			continue
		}
		if _, ok := reg.Instrument(schema.Key(inst.Venue, inst.Settlement)); !ok {
			return nil, exception.Configuration(component, exception.CodeUnknownInstrument, "settlement asset is not tracked on the venue").
				With("field", fmt.Sprintf("instruments[%d].settlement", i)).
				With("key", schema.Key(inst.Venue, inst.Settlement).String())
		}
	}
	return reg, nil
}

func buildPlanner(cfg FileConfig, reg *schema.Registry) (strategy.Planner, error) {
	s := cfg.Strategy
	switch s.Type {
	case "basis":
		if cfg.Basis == nil {
			return nil, missingField("basis")
		}
		b := cfg.Basis
		if err := checkAllocations(reg, "basis", b.Quote, b.Allocations, true); err != nil {
			return nil, err
		}
		planner, err := strategy.NewBasis(strategy.BasisConfig{
			Capital:      s.Capital,
			SeedVenue:    s.SeedVenue,
			Quote:        b.Quote,
			Underlying:   b.Underlying,
			Allocations:  b.Allocations,
			Reserve:      b.Reserve,
			QtyPrecision: b.QtyPrecision,
		})
		if err != nil {
			return nil, err
		}
		return planner, nil
	case "lending":
		if cfg.Lending == nil {
			return nil, missingField("lending")
		}
		l := cfg.Lending
		if err := checkAllocations(reg, "lending", l.Quote, l.Allocations, false); err != nil {
			return nil, err
		}
		planner, err := strategy.NewLending(strategy.LendingConfig{
			Capital:     s.Capital,
			SeedVenue:   s.SeedVenue,
			Quote:       l.Quote,
			Allocations: l.Allocations,
			Reserve:     l.Reserve,
			Precision:   l.Precision,
		})
		if err != nil {
			return nil, err
		}
		return planner, nil
	default:
		return nil, exception.Configuration(component, exception.CodeUnsupportedStrategy, "unsupported strategy type").
			With("field", "strategy.type").
			With("actual", s.Type)
	}
}

// checkAllocations ensures every leg a planner will trade is a tracked instrument.
func checkAllocations(reg *schema.Registry, prefix string, quote schema.Asset, allocs []strategy.Allocation, perp bool) error {
	for i, a := range allocs {
		keys := []struct {
			field string
			key   schema.PositionKey
		}{
			{fmt.Sprintf("%s.allocations[%d].venue", prefix, i), schema.Key(a.Venue, quote)},
			{fmt.Sprintf("%s.allocations[%d].spotAsset", prefix, i), schema.Key(a.Venue, a.SpotAsset)},
		}
		if perp {
			keys = append(keys, struct {
				field string
				key   schema.PositionKey
			}{fmt.Sprintf("%s.allocations[%d].perpAsset", prefix, i), schema.Key(a.Venue, a.PerpAsset)})
		}
		for _, k := range keys {
			if k.key.Asset == "" {
				continue
			}
			if _, ok := reg.Instrument(k.key); !ok {
				return exception.Configuration(component, exception.CodeUnknownInstrument, "allocation leg is not a tracked instrument").
					With("field", k.field).
					With("key", k.key.String())
			}
		}
	}
	return nil
}

func buildVenues(cfg FileConfig, reg *schema.Registry, env map[string]string) ([]VenueSpec, error) {
	seen := make(map[schema.Venue]struct{}, len(cfg.Venues))
	out := make([]VenueSpec, 0, len(cfg.Venues))
	for i, v := range cfg.Venues {
		field := fmt.Sprintf("venues[%d]", i)
		if v.Name == "" {
			return nil, missingField(field + ".name")
		}
		if _, dup := seen[v.Name]; dup {
			return nil, invalid(field+".name", "duplicate venue", v.Name)
		}
		seen[v.Name] = struct{}{}
		if !reg.HasVenue(v.Name) {
			return nil, invalid(field+".name", "venue has no tracked instrument", v.Name)
		}
		spec := VenueSpec{
			Name:    v.Name,
			Type:    v.Type,
			Fees:    v.Fees,
			Timeout: time.Duration(v.Timeout),
		}
		switch v.Type {
		case "", "simulated":
			spec.Type = "simulated"
		case "http":
			if cfg.Strategy.Mode != ModeLive {
				return nil, invalid(field+".type", "http venues require live mode", v.Type)
			}
			if v.URL == "" {
				return nil, missingField(field + ".url")
			}
			prefix := "BASIS_" + envName(v.Name)
			spec.HTTP = execution.HTTPConfig{
				Name:    v.Name,
				BaseURL: v.URL,
				APIKey:  env[prefix+"_API_KEY"],
				Secret:  env[prefix+"_SECRET"],
			}
			if spec.HTTP.APIKey == "" {
				return nil, missingField(prefix + "_API_KEY")
			}
			if spec.HTTP.Secret == "" {
				return nil, missingField(prefix + "_SECRET")
			}
		default:
			return nil, invalid(field+".type", "venue type must be simulated or http", v.Type)
		}
		if v.Chaos != nil {
			c := chaos.Config{
				Seed:              v.Chaos.Seed,
				RejectRate:        v.Chaos.RejectRate,
				UnavailableRate:   v.Chaos.UnavailableRate,
				MaxDelay:          time.Duration(v.Chaos.MaxDelay),
				FailInstructions:  v.Chaos.FailInstructions,
				FailKinds:         v.Chaos.FailKinds,
				FundingMultiplier: v.Chaos.FundingMultiplier,
			}
			if err := c.Validate(); err != nil {
				return nil, invalid(field+".chaos", err.Error(), v.Name)
			}
			spec.Chaos = &c
		}
		out = append(out, spec)
	}
	for _, venue := range reg.Venues() {
		if _, ok := seen[venue]; !ok {
			return nil, exception.Configuration(component, exception.CodeConfigMissing, "tracked venue has no venue config").
				With("field", "venues").
				With("venue", venue)
		}
	}
	return out, nil
}

func buildPnL(cfg PnLConfig) (pnl.Config, []pnl.Component, error) {
	switch {
	case cfg.Tolerance == nil:
		return pnl.Config{}, nil, missingField("pnl.tolerance")
	case cfg.AbsoluteFloor == nil:
		return pnl.Config{}, nil, missingField("pnl.absoluteFloor")
	case cfg.FundingHours == nil:
		return pnl.Config{}, nil, missingField("pnl.fundingHours")
	}
	out := pnl.Config{
		Tolerance:     *cfg.Tolerance,
		AbsoluteFloor: *cfg.AbsoluteFloor,
		FundingHours:  cfg.FundingHours,
	}
	for i, h := range out.FundingHours {
		if h < 0 || h > 23 {
			return pnl.Config{}, nil, invalid(fmt.Sprintf("pnl.fundingHours[%d]", i), "funding hour must be within 0..23", h)
		}
	}
	if out.Tolerance.IsNegative() {
		return pnl.Config{}, nil, invalid("pnl.tolerance", "tolerance must be >= 0", out.Tolerance.String())
	}
	if out.AbsoluteFloor.IsNegative() {
		return pnl.Config{}, nil, invalid("pnl.absoluteFloor", "absolute floor must be >= 0", out.AbsoluteFloor.String())
	}
	if len(cfg.Components) == 0 {
		return out, pnl.DefaultComponents(), nil
	}
	components, err := pnl.ComponentsByName(cfg.Components)
	if err != nil {
		return pnl.Config{}, nil, err
	}
	return out, components, nil
}

func buildExecution(mode Mode, cfg ExecutionConfig) (execution.Config, error) {
	out := execution.BacktestConfig()
	if mode == ModeLive {
		out = execution.LiveConfig()
	}
	if cfg.Attempts < 0 {
		return execution.Config{}, invalid("execution.attempts", "attempts must be >= 0", cfg.Attempts)
	}
	if cfg.Attempts > 0 {
		out.Attempts = cfg.Attempts
	}
	if cfg.Parallelism < 0 {
		return execution.Config{}, invalid("execution.parallelism", "parallelism must be >= 0", cfg.Parallelism)
	}
	if cfg.Parallelism > 0 {
		out.Parallelism = cfg.Parallelism
	}
	if cfg.VenueTimeout > 0 {
		out.VenueTimeout = time.Duration(cfg.VenueTimeout)
	}
	if out.Backoff == (backoff.Backoff{}) {
		out.Backoff = backoff.Default()
	}
	if cfg.BackoffMin > 0 {
		out.Backoff.Min = time.Duration(cfg.BackoffMin)
	}
	if cfg.BackoffMax > 0 {
		out.Backoff.Max = time.Duration(cfg.BackoffMax)
	}
	if cfg.BackoffFactor > 0 {
		out.Backoff.Factor = cfg.BackoffFactor
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		return execution.Config{}, invalid("execution.jitter", "jitter must be between 0 and 1", cfg.Jitter)
	}
	if cfg.Jitter > 0 {
		out.Backoff.Jitter = cfg.Jitter
	}
	if out.Backoff.Max < out.Backoff.Min {
		return execution.Config{}, invalid("execution.backoffMax", "backoff max must be >= min", time.Duration(cfg.BackoffMax).String())
	}
	return out, nil
}

func validateMode(cfg FileConfig) error {
	switch cfg.Strategy.Mode {
	case ModeBacktest:
		b := cfg.Backtest
		switch {
		case b.Start.IsZero():
			return missingField("backtest.start")
		case b.End.IsZero():
			return missingField("backtest.end")
		case !b.End.After(b.Start):
			return invalid("backtest.end", "end must be after start", b.End.Format(time.RFC3339))
		case b.Step <= 0:
			return missingField("backtest.step")
		case b.DataDir == "":
			return missingField("backtest.dataDir")
		case b.MaxAge < 0:
			return invalid("backtest.maxAge", "max age must be >= 0", time.Duration(b.MaxAge).String())
		}
	case ModeLive:
		l := cfg.Live
		switch {
		case l.Interval <= 0:
			return missingField("live.interval")
		case l.DataURL == "":
			return missingField("live.dataUrl")
		case l.QueueSize < 0:
			return invalid("live.queueSize", "queue size must be >= 0", l.QueueSize)
		}
	}
	return nil
}

func missingField(field string) error {
	return exception.Configuration(component, exception.CodeConfigMissing, "missing required field").
		With("field", field)
}

func invalid(field, msg string, actual any) error {
	return exception.Configuration(component, exception.CodeConfigInvalid, msg).
		With("field", field).
		With("actual", actual)
}

// envName turns a venue name into its environment prefix: "binance-um" -> "BINANCE_UM".
func envName(venue schema.Venue) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, string(venue))
}
