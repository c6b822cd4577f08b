package nn

import (
	"math"
	"math/rand"
)

// InitDenseLayer initializes a dense (fully-connected) layer with He-normal
// weights and zero biases.
func InitDenseLayer(inputSize, outputSize int) LayerConfig {
	stddev := float32(math.Sqrt(2.0 / float64(inputSize)))

	weights := make([]float32, inputSize*outputSize)
	for i := range weights {
		weights[i] = float32(rand.NormFloat64()) * stddev
	}

	bias := make([]float32, outputSize)

	return LayerConfig{
		Type:       LayerDense,
		InputSize:  inputSize,
		OutputSize: outputSize,
		Weights:    weights,
		Bias:       bias,
	}
}

// denseForwardCPU performs forward pass for a dense layer.
// input: [batchSize * inputSize]
// output: [batchSize * outputSize]
func denseForwardCPU(input []float32, config *LayerConfig, batchSize int) []float32 {
	inputSize := config.InputSize
	outputSize := config.OutputSize
	weights := config.Weights

	output := make([]float32, batchSize*outputSize)

	for b := 0; b < batchSize; b++ {
		for o := 0; o < outputSize; o++ {
			sum := config.Bias[o]
			for i := 0; i < inputSize; i++ {
				sum += input[b*inputSize+i] * weights[i*outputSize+o]
			}
			output[b*outputSize+o] = sum
		}
	}

	return output
}

// denseBackwardCPU computes gradients for a dense layer. Weight and bias
// gradients accumulate into the config's gradient buffers.
func denseBackwardCPU(gradOutput, input []float32, config *LayerConfig, batchSize int) []float32 {
	inputSize := config.InputSize
	outputSize := config.OutputSize
	weights := config.Weights

	if config.WeightGrad == nil {
		config.WeightGrad = make([]float32, len(config.Weights))
	}
	if config.BiasGrad == nil {
		config.BiasGrad = make([]float32, len(config.Bias))
	}

	gradInput := make([]float32, batchSize*inputSize)

	for b := 0; b < batchSize; b++ {
		for o := 0; o < outputSize; o++ {
			grad := gradOutput[b*outputSize+o]
			config.BiasGrad[o] += grad

			for i := 0; i < inputSize; i++ {
				inputIdx := b*inputSize + i
				weightIdx := i*outputSize + o
				gradInput[inputIdx] += grad * weights[weightIdx]
				config.WeightGrad[weightIdx] += grad * input[inputIdx]
			}
		}
	}

	return gradInput
}
