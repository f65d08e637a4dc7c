package ruleengine

// SelectVariant deterministically picks one variant for stickinessKey.
//
// Weights are used as given: the effective total is their sum, so lists that
// do not add up to exactly 100 are normalized rather than rejected. WeightLock
// has no effect here; it only matters to Redistribute. It returns false for
// an empty list or a zero total.
func SelectVariant(variants []Variant, stickinessKey string) (Variant, bool) {
	if len(variants) == 0 {
		return Variant{}, false
	}

	weights := make([]int, len(variants))
	for i := range variants {
		weights[i] = variants[i].Weight
	}

	idx := Bucket(stickinessKey, weights)
	if idx < 0 {
		return Variant{}, false
	}
	return variants[idx], true
}

// totalWeight sums the positive weights of variants.
func totalWeight(variants []Variant) int {
	total := 0
	for i := range variants {
		if variants[i].Weight > 0 {
			total += variants[i].Weight
		}
	}
	return total
}

// variantStickiness returns the field used to bucket variants: the first
// variant's explicit stickiness, else the strategy's.
func variantStickiness(variants []Variant, fallback string) string {
	if len(variants) > 0 {
		if s := variants[0].Stickiness; s != "" && s != StickinessDefault {
			return s
		}
	}
	return fallback
}

// toVariantResult converts a selected variant into its result form.
func toVariantResult(v Variant, source ValueSource, variantType VariantType) *VariantResult {
	res := &VariantResult{
		Name:        v.Name,
		ValueSource: source,
		ValueType:   string(variantType),
	}
	if v.Payload != nil {
		p := *v.Payload
		res.Payload = &p
		res.Value = p.Value
		if p.Type != "" {
			res.ValueType = string(p.Type)
		}
	}
	return res
}
