package cookiestore

// Strategy is the way a session acquires its authentication cookies.
type Strategy int

const (
	// StrategyBasic passively collects cookies from a plain page load.
	StrategyBasic Strategy = iota
	// StrategyCSRF goes through the consent form handshake.
	StrategyCSRF
)

func (s Strategy) String() string {
	switch s {
	case StrategyBasic:
		return "basic"
	case StrategyCSRF:
		return "csrf"
	default:
		return "unknown"
	}
}

// Toggle returns the other strategy.
func (s Strategy) Toggle() Strategy {
	if s == StrategyCSRF {
		return StrategyBasic
	}
	return StrategyCSRF
}

// ParseStrategy is the inverse of Strategy.String.
func ParseStrategy(s string) (Strategy, bool) {
	switch s {
	case "basic":
		return StrategyBasic, true
	case "csrf":
		return StrategyCSRF, true
	default:
		return StrategyCSRF, false
	}
}
