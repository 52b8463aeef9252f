package params

// CheckDependencies applies the cross-key rules in order:
//  1. fit without w or h is dropped.
//  2. q with a non-lossy fm is dropped. q without fm is kept; whether it
//     applies is decided once the output extension is known.
//
// An empty result is valid and means the source passes through unmodified.
func CheckDependencies(ops Operations, lossy FormatSet) (Operations, []Rejection) {
	out := ops.Clone()
	var dropped []Rejection

	if out.Has(KeyFit) && !out.Has(KeyWidth) && !out.Has(KeyHeight) {
		dropped = append(dropped, Rejection{Key: KeyFit, Value: out[KeyFit], Reason: "requires w or h"})
		delete(out, KeyFit)
	}

	if out.Has(KeyQuality) {
		if fm, ok := out.String(KeyFormat); ok && !lossy.Contains(fm) {
			dropped = append(dropped, Rejection{Key: KeyQuality, Value: out[KeyQuality], Reason: "not applicable to format " + fm})
			delete(out, KeyQuality)
		}
	}

	return out, dropped
}
