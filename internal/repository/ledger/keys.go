package ledger

const (
	keyPrefix    = "leasegate:"
	budgetPrefix = keyPrefix + "budget:"
	leasePrefix  = keyPrefix + "lease:"
	usagePrefix  = keyPrefix + "usage:"
	epochPrefix  = keyPrefix + "epoch:"
)

func budgetKey(id string) string { return budgetPrefix + id }
func leaseKey(id string) string  { return leasePrefix + id }
func usageKey(id string) string  { return usagePrefix + id }
func epochKey(id string) string  { return epochPrefix + id }
