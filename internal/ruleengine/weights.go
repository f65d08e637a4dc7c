package ruleengine

// TotalWeightScale is the authoring-time scale variant weights are spread over.
const TotalWeightScale = 100

// Redistribute spreads TotalWeightScale across variants while respecting
// locks. Locked variants keep their weight; unlocked variants evenly split
// what remains (never below zero), and the integer remainder goes one unit
// at a time to the first unlocked variants in list order.
//
// With no unlocked variants the weights are returned unchanged, even if the
// locked weights do not sum to TotalWeightScale. The input is not modified.
func Redistribute(variants []Variant) []Variant {
	out := make([]Variant, len(variants))
	copy(out, variants)

	locked, unlocked := 0, 0
	for i := range out {
		if out[i].WeightLock {
			locked += out[i].Weight
		} else {
			unlocked++
		}
	}
	if unlocked == 0 {
		return out
	}

	remaining := max(TotalWeightScale-locked, 0)
	share, remainder := remaining/unlocked, remaining%unlocked

	for i := range out {
		if out[i].WeightLock {
			continue
		}
		out[i].Weight = share
		if remainder > 0 {
			out[i].Weight++
			remainder--
		}
		out[i].weightInvalid = false
	}
	return out
}
