package internal

import "math"

// Reasons a capacity check can deny a unit.
const (
	DeniedGlobalCap   = "global-cap"
	DeniedTemplateCap = "template-cap"
)

// ToProvision returns how many agents are still needed once those already in
// flight are accounted for.
func ToProvision(excessWorkload, inFlight int) int {
	return max(0, excessWorkload-inFlight)
}

// Headroom returns how many more agents fit under capacity. A capacity of
// zero or less, or math.MaxInt, is unbounded.
func Headroom(capacity, current int) int {
	if capacity <= 0 || capacity == math.MaxInt {
		return math.MaxInt
	}
	return max(0, capacity-current)
}

// HasCapacity reports whether one more agent fits under both the provider-wide
// cap and the template cap. When it does not, the reason names the cap that
// was hit.
func HasCapacity(globalCap, globalCount, templateCap, templateCount int) (bool, string) {
	if Headroom(globalCap, globalCount) < 1 {
		return false, DeniedGlobalCap
	}
	if Headroom(templateCap, templateCount) < 1 {
		return false, DeniedTemplateCap
	}
	return true, ""
}
