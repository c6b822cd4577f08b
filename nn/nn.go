// Package nn implements multi-branch convolutional classifiers for online
// mutual learning, with both CPU execution and an optional WebGPU path for
// the fusion arithmetic.
//
// A model is a shared feature trunk followed by K structurally identical,
// independently parameterized branch heads. Each head produces its own class
// logits; the per-branch logits are stacked along a trailing branch axis.
// Depending on the fusion mode, a small gate network additionally mixes the
// branch logits into a fused prediction:
//   - FusionIndependent: branches only, no fused output
//   - FusionGated: a learned softmax gate weights the branch logits
//   - FusionLeaveOneOut: each fused slot averages all other branches
//
// All tensors are flat []float32 slices with explicit shape arithmetic,
// laid out [batch][channels][height][width] row-major.
//
// Example usage:
//
//	model, _ := nn.BuildModel(nn.ModelConfig{
//		Family:      "densenetd40k12",
//		NumBranches: 3,
//		NumClasses:  10,
//		Fusion:      nn.FusionGated,
//	})
//
//	pro, fused, _ := model.ForwardCPU(input, batchSize)
//
//	// Backward pass
//	gradInput, _ := model.BackwardCPU(gradPro, gradFused, batchSize)
package nn
