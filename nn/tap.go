package nn

// GradScaleTap is an identity operation in the forward direction that
// rescales the backward gradient by 1/Branches. Inserted between the trunk
// and the branch heads, it turns the K summed head gradients arriving at
// the trunk into an average, so the shared parameters see the same gradient
// magnitude regardless of how many heads feed them. The branch count is
// captured at construction and never changes.
type GradScaleTap struct {
	Branches int
}

// Forward passes the shared features through untouched.
func (t *GradScaleTap) Forward(input []float32) []float32 {
	return input
}

// Backward returns the upstream gradient scaled by 1/Branches.
func (t *GradScaleTap) Backward(gradOutput []float32) []float32 {
	scale := 1.0 / float32(t.Branches)
	gradInput := make([]float32, len(gradOutput))
	for i, g := range gradOutput {
		gradInput[i] = g * scale
	}
	return gradInput
}
