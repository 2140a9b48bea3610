package trainer

// LRScale returns the learning-rate multiplier for a step. The rate holds
// at 1.0 for the first 80% of training, then decays linearly to 0 at the
// final step.
func LRScale(step, totalSteps int) float64 {
	if totalSteps <= 0 {
		return 1
	}
	knee := 0.8 * float64(totalSteps)
	s := float64(step)
	if s < knee {
		return 1
	}
	return 1 - (s-knee)/(float64(totalSteps)-knee)
}

// L1Coeff returns the sparsity coefficient for a step: a linear warmup from
// 0 to target over the first 5% of training, then constant at target.
func L1Coeff(step, totalSteps int, target float64) float64 {
	if totalSteps <= 0 {
		return target
	}
	warmup := 0.05 * float64(totalSteps)
	s := float64(step)
	if s < warmup {
		return target * s / warmup
	}
	return target
}
