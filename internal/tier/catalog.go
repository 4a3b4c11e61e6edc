package tier

import (
	"sort"
	"strings"
	"time"
)

// Definition holds the four limits for one tier. Immutable after load.
type Definition struct {
	Tier            ID            `json:"tier"`
	MaxRequests     int           `json:"max_requests"`
	Window          time.Duration `json:"window"`
	BurstLimit      int           `json:"burst_limit"`
	BurstWindow     time.Duration `json:"burst_window"`
	DailyLimit      int           `json:"daily_limit"`
	ConcurrentLimit int           `json:"concurrent_limit"`
	Description     string        `json:"description"`
}

// Limits is a Definition after the endpoint multiplier has been applied.
type Limits struct {
	Tier            ID
	MaxRequests     int
	Window          time.Duration
	BurstLimit      int
	BurstWindow     time.Duration
	DailyLimit      int
	ConcurrentLimit int
}

func defaultDefinitions() map[ID]Definition {
	return map[ID]Definition{
		Free: {
			Tier:            Free,
			MaxRequests:     100,
			Window:          15 * time.Minute,
			BurstLimit:      10,
			BurstWindow:     time.Minute,
			DailyLimit:      1000,
			ConcurrentLimit: 3,
			Description:     "Free tier for unauthenticated and trial callers",
		},
		Basic: {
			Tier:            Basic,
			MaxRequests:     500,
			Window:          15 * time.Minute,
			BurstLimit:      30,
			BurstWindow:     time.Minute,
			DailyLimit:      10000,
			ConcurrentLimit: 10,
			Description:     "Basic paid subscription",
		},
		Premium: {
			Tier:            Premium,
			MaxRequests:     2000,
			Window:          15 * time.Minute,
			BurstLimit:      100,
			BurstWindow:     time.Minute,
			DailyLimit:      50000,
			ConcurrentLimit: 25,
			Description:     "Premium subscription (pro/expert plans)",
		},
		Enterprise: {
			Tier:            Enterprise,
			MaxRequests:     10000,
			Window:          15 * time.Minute,
			BurstLimit:      500,
			BurstWindow:     time.Minute,
			DailyLimit:      250000,
			ConcurrentLimit: 100,
			Description:     "Enterprise subscription (business/unlimited plans)",
		},
		Admin: {
			Tier:            Admin,
			MaxRequests:     100000,
			Window:          15 * time.Minute,
			BurstLimit:      5000,
			BurstWindow:     time.Minute,
			DailyLimit:      1000000,
			ConcurrentLimit: 500,
			Description:     "Internal admin tooling, highest limits but never unlimited",
		},
	}
}

// EndpointOverride scales the resolved tier's limits for one path prefix.
// Overrides never stack; the longest matching prefix wins.
type EndpointOverride struct {
	Prefix     string  `json:"prefix"`
	Multiplier float64 `json:"multiplier"`
}

// Catalog holds the tier definitions and endpoint overrides. Read-only after
// construction, safe for concurrent use without locking.
type Catalog struct {
	definitions map[ID]Definition
	overrides   []EndpointOverride // sorted by prefix length, longest first
}

// NewCatalog builds a catalog from the built-in defaults, applying any
// per-tier overrides and the configured endpoint multipliers.
func NewCatalog(tierOverrides map[string]Definition, endpoints []EndpointOverride) *Catalog {
	defs := defaultDefinitions()

	for name, override := range tierOverrides {
		id, ok := Parse(name)
		if !ok {
			continue
		}
		base := defs[id]
		if override.MaxRequests > 0 {
			base.MaxRequests = override.MaxRequests
		}
		if override.Window > 0 {
			base.Window = override.Window
		}
		if override.BurstLimit > 0 {
			base.BurstLimit = override.BurstLimit
		}
		if override.BurstWindow > 0 {
			base.BurstWindow = override.BurstWindow
		}
		if override.DailyLimit > 0 {
			base.DailyLimit = override.DailyLimit
		}
		if override.ConcurrentLimit > 0 {
			base.ConcurrentLimit = override.ConcurrentLimit
		}
		if override.Description != "" {
			base.Description = override.Description
		}
		defs[id] = base
	}

	sorted := make([]EndpointOverride, len(endpoints))
	copy(sorted, endpoints)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	return &Catalog{definitions: defs, overrides: sorted}
}

// Get returns the definition for a tier, falling back to free for unknown ids.
func (c *Catalog) Get(id ID) Definition {
	if def, ok := c.definitions[id]; ok {
		return def
	}
	return c.definitions[Free]
}

// List returns all definitions in tier order.
func (c *Catalog) List() []Definition {
	out := make([]Definition, 0, len(c.definitions))
	for _, id := range []ID{Free, Basic, Premium, Enterprise, Admin} {
		out = append(out, c.definitions[id])
	}
	return out
}

// Multiplier returns the endpoint multiplier for a path. Longest matching
// prefix wins; no match means 1.0.
func (c *Catalog) Multiplier(endpoint string) float64 {
	for _, o := range c.overrides {
		if strings.HasPrefix(endpoint, o.Prefix) {
			return o.Multiplier
		}
	}
	return 1.0
}

// Effective applies the endpoint multiplier to a tier's limits. Each limit is
// scaled independently, truncated, and never reduced below 1.
func (c *Catalog) Effective(id ID, endpoint string) Limits {
	def := c.Get(id)
	m := c.Multiplier(endpoint)

	return Limits{
		Tier:            id,
		MaxRequests:     scale(def.MaxRequests, m),
		Window:          def.Window,
		BurstLimit:      scale(def.BurstLimit, m),
		BurstWindow:     def.BurstWindow,
		DailyLimit:      scale(def.DailyLimit, m),
		ConcurrentLimit: scale(def.ConcurrentLimit, m),
	}
}

func scale(limit int, multiplier float64) int {
	scaled := int(float64(limit) * multiplier)
	if scaled < 1 {
		return 1
	}
	return scaled
}

// Comparison holds the per-limit delta between two tiers, for the admin
// tier-comparison endpoint.
type Comparison struct {
	From            Definition `json:"from"`
	To              Definition `json:"to"`
	Upgrade         bool       `json:"upgrade"`
	MaxRequestsDiff int        `json:"max_requests_diff"`
	BurstLimitDiff  int        `json:"burst_limit_diff"`
	DailyLimitDiff  int        `json:"daily_limit_diff"`
	ConcurrentDiff  int        `json:"concurrent_diff"`
}

// Compare returns the limit deltas going from tier a to tier b.
func (c *Catalog) Compare(a, b ID) Comparison {
	from := c.Get(a)
	to := c.Get(b)

	return Comparison{
		From:            from,
		To:              to,
		Upgrade:         a.Less(b),
		MaxRequestsDiff: to.MaxRequests - from.MaxRequests,
		BurstLimitDiff:  to.BurstLimit - from.BurstLimit,
		DailyLimitDiff:  to.DailyLimit - from.DailyLimit,
		ConcurrentDiff:  to.ConcurrentLimit - from.ConcurrentLimit,
	}
}
