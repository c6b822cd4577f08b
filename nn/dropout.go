package nn

import (
	"math/rand"
)

// InitDropoutLayer initializes inverted dropout with the given drop rate.
func InitDropoutLayer(rate float32) LayerConfig {
	return LayerConfig{
		Type:     LayerDropout,
		DropRate: rate,
	}
}

// dropoutForwardCPU zeroes a random fraction of activations during training
// and rescales the survivors by 1/(1-rate) so the expected magnitude is
// unchanged. Outside training it is the identity.
func dropoutForwardCPU(input []float32, config *LayerConfig, training bool) ([]float32, []float32) {
	if !training || config.DropRate <= 0 {
		output := make([]float32, len(input))
		copy(output, input)
		return output, nil
	}

	keep := 1.0 - config.DropRate
	scale := 1.0 / keep

	output := make([]float32, len(input))
	mask := make([]float32, len(input))

	for i := range input {
		if rand.Float32() < keep {
			mask[i] = scale
			output[i] = input[i] * scale
		}
	}

	return output, mask
}

// dropoutBackwardCPU applies the forward keep mask to the gradient.
func dropoutBackwardCPU(gradOutput, mask []float32) []float32 {
	gradInput := make([]float32, len(gradOutput))
	if mask == nil {
		copy(gradInput, gradOutput)
		return gradInput
	}
	for i := range gradOutput {
		gradInput[i] = gradOutput[i] * mask[i]
	}
	return gradInput
}
