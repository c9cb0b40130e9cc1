package plan

// Plan is a purchasable entitlement period.
type Plan struct {
	ID       string
	Days     int
	PriceKey string // config key holding the USD price, e.g. PRICE_1M_USD
}

var catalog = map[string]Plan{
	"1m":  {ID: "1m", Days: 30, PriceKey: "PRICE_1M_USD"},
	"6m":  {ID: "6m", Days: 180, PriceKey: "PRICE_6M_USD"},
	"12m": {ID: "12m", Days: 365, PriceKey: "PRICE_12M_USD"},
}

// Lookup returns the plan for id.
func Lookup(id string) (Plan, bool) {
	p, ok := catalog[id]
	return p, ok
}

// IDs lists the known plan ids, shortest period first.
func IDs() []string {
	return []string{"1m", "6m", "12m"}
}
