// Package settings defines the process-wide Settings singleton and its
// defaults. Settings are loaded once from the Store at startup and
// overlaid onto per-auction configs at creation time.
package settings

// Strategy names a bidding policy.
type Strategy string

const (
	StrategyManual  Strategy = "manual"
	StrategyAuto    Strategy = "auto"
	StrategySniping Strategy = "sniping"
)

// General holds process-wide defaults for newly monitored auctions.
type General struct {
	DefaultMaxBid    int      `json:"default_max_bid"`
	DefaultStrategy  Strategy `json:"default_strategy"`
	AutoBidDefault   bool     `json:"auto_bid_default"`
}

// Bidding holds process-wide defaults for the bidding decision engine.
type Bidding struct {
	SnipeTimingS      int `json:"snipe_timing_s"`
	BidBuffer         int `json:"bid_buffer"`
	DefaultIncrement  int `json:"default_increment"`
	RetryAttempts     int `json:"retry_attempts"`
}

// Settings is the process-wide configuration singleton, persisted under
// one Store key (nellis:system:settings).
type Settings struct {
	General General `json:"general"`
	Bidding Bidding `json:"bidding"`
}

// Default returns the built-in defaults used when no Settings record has
// ever been persisted.
func Default() Settings {
	return Settings{
		General: General{
			DefaultMaxBid:   100,
			DefaultStrategy: StrategyAuto,
			AutoBidDefault:  true,
		},
		Bidding: Bidding{
			SnipeTimingS:     30,
			BidBuffer:        0,
			DefaultIncrement: 5,
			RetryAttempts:    3,
		},
	}
}

// Normalize fills in zero-valued fields with built-in defaults and maps the
// legacy "increment" strategy name to "auto", the strategy it always meant.
// AutoBidDefault has no unset sentinel and is kept as given.
func (s Settings) Normalize() Settings {
	def := Default()

	if s.General.DefaultMaxBid <= 0 {
		s.General.DefaultMaxBid = def.General.DefaultMaxBid
	}
	switch s.General.DefaultStrategy {
	case StrategyManual, StrategySniping, StrategyAuto:
		// keep as-is
	case "increment":
		s.General.DefaultStrategy = StrategyAuto
	default:
		s.General.DefaultStrategy = def.General.DefaultStrategy
	}
	if s.Bidding.SnipeTimingS <= 0 {
		s.Bidding.SnipeTimingS = def.Bidding.SnipeTimingS
	}
	if s.Bidding.DefaultIncrement <= 0 {
		s.Bidding.DefaultIncrement = def.Bidding.DefaultIncrement
	}
	if s.Bidding.RetryAttempts < 1 {
		s.Bidding.RetryAttempts = def.Bidding.RetryAttempts
	} else if s.Bidding.RetryAttempts > 10 {
		s.Bidding.RetryAttempts = 10
	}
	return s
}
