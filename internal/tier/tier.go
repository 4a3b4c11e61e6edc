package tier

import "fmt"

// ID is a rate-limit tier. Tiers form a strict total order used for
// upgrade/downgrade comparisons.
type ID int

const (
	Free ID = iota
	Basic
	Premium
	Enterprise
	Admin
)

var tierNames = map[ID]string{
	Free:       "free",
	Basic:      "basic",
	Premium:    "premium",
	Enterprise: "enterprise",
	Admin:      "admin",
}

var tiersByName = map[string]ID{
	"free":       Free,
	"basic":      Basic,
	"premium":    Premium,
	"enterprise": Enterprise,
	"admin":      Admin,
}

func (id ID) String() string {
	if name, ok := tierNames[id]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(id))
}

func (id ID) Valid() bool {
	_, ok := tierNames[id]
	return ok
}

// Less reports whether id is a lower tier than other.
func (id ID) Less(other ID) bool {
	return id < other
}

// Parse maps a tier name to its ID.
func Parse(name string) (ID, bool) {
	id, ok := tiersByName[name]
	return id, ok
}

// planAliases maps subscription plan names, as the billing side spells them,
// to rate-limit tiers. New plan names are a data change here, not a code change.
var planAliases = map[string]ID{
	"free":       Free,
	"starter":    Basic,
	"basic":      Basic,
	"standard":   Basic,
	"pro":        Premium,
	"expert":     Premium,
	"premium":    Premium,
	"business":   Enterprise,
	"unlimited":  Enterprise,
	"enterprise": Enterprise,
	"admin":      Admin,
}

// FromPlan maps a subscription plan name to a rate-limit tier.
// Unrecognized or absent plan names resolve to free.
func FromPlan(plan string) ID {
	if id, ok := planAliases[plan]; ok {
		return id
	}
	return Free
}

// KnownPlan reports whether the plan name is in the alias table.
func KnownPlan(plan string) bool {
	_, ok := planAliases[plan]
	return ok
}
