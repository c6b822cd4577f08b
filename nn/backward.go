package nn

import (
	"fmt"
)

// sequenceBackwardCPU pulls a gradient back through a stack of layers,
// accumulating weight gradients into each layer's gradient buffers.
func sequenceBackwardCPU(layers []LayerConfig, states []*layerState, gradOutput []float32, batchSize int) ([]float32, error) {
	grad := gradOutput

	for i := len(layers) - 1; i >= 0; i-- {
		g, err := layerBackwardCPU(&layers[i], states[i], grad, batchSize)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%d): %w", i, layers[i].Type, err)
		}
		grad = g
	}

	return grad, nil
}

// layerBackwardCPU routes a backward pass to the layer's kernel.
func layerBackwardCPU(config *LayerConfig, st *layerState, gradOutput []float32, batchSize int) ([]float32, error) {
	switch config.Type {
	case LayerConv2D:
		return conv2DBackwardCPU(gradOutput, st.input, config, batchSize), nil

	case LayerBatchNorm2D:
		spatial := config.InputHeight * config.InputWidth
		return batchNormBackwardCPU(gradOutput, config, st, batchSize, spatial), nil

	case LayerBatchNorm1D:
		return batchNormBackwardCPU(gradOutput, config, st, batchSize, 1), nil

	case LayerActivation:
		gradInput := make([]float32, len(gradOutput))
		for i := range gradOutput {
			gradInput[i] = gradOutput[i] * activateDerivativeCPU(st.input[i], config.Activation)
		}
		return gradInput, nil

	case LayerAvgPool2D:
		return avgPool2DBackwardCPU(gradOutput, config, batchSize), nil

	case LayerMaxPool2D:
		return maxPool2DBackwardCPU(gradOutput, st.argmax, config, batchSize), nil

	case LayerGlobalAvgPool:
		return globalAvgPoolBackwardCPU(gradOutput, config, batchSize), nil

	case LayerDropout:
		return dropoutBackwardCPU(gradOutput, st.mask), nil

	case LayerDense:
		return denseBackwardCPU(gradOutput, st.input, config, batchSize), nil

	case LayerSequence:
		return sequenceBackwardCPU(config.Sub, st.sub, gradOutput, batchSize)

	case LayerDenseBlock:
		return denseBlockBackwardCPU(config, st, gradOutput, batchSize)

	case LayerInvertedResidual:
		gradInput, err := sequenceBackwardCPU(config.Sub, st.sub, gradOutput, batchSize)
		if err != nil {
			return nil, err
		}
		if config.UseResidual {
			for i := range gradInput {
				gradInput[i] += gradOutput[i]
			}
		}
		return gradInput, nil

	default:
		return nil, fmt.Errorf("unsupported layer type %d", config.Type)
	}
}

// denseBlockBackwardCPU reverses the concatenative feature reuse: the block
// output gradient is split per feature, and each dense layer's input
// gradient fans back out over the block input and every earlier feature.
func denseBlockBackwardCPU(config *LayerConfig, st *layerState, gradOutput []float32, batchSize int) ([]float32, error) {
	spatial := config.InputHeight * config.InputWidth
	numLayers := len(config.Sub)

	channels := make([]int, numLayers+1)
	channels[0] = config.InputChannels
	for i := 1; i <= numLayers; i++ {
		channels[i] = config.GrowthRate
	}

	// gradFeats[i] is the accumulated gradient for feature i
	gradFeats := splitChannels(gradOutput, channels, batchSize, spatial)

	for l := numLayers - 1; l >= 0; l-- {
		gradConcat, err := sequenceBackwardCPU(config.Sub[l].Sub, st.featTapes[l], gradFeats[l+1], batchSize)
		if err != nil {
			return nil, fmt.Errorf("dense layer %d: %w", l, err)
		}

		parts := splitChannels(gradConcat, channels[:l+1], batchSize, spatial)
		for i, p := range parts {
			dst := gradFeats[i]
			for j := range p {
				dst[j] += p[j]
			}
		}
	}

	return gradFeats[0], nil
}
