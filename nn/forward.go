package nn

import (
	"fmt"
)

// sequenceForwardCPU runs input through a stack of layers in order and
// returns the output together with one captured state per layer.
func sequenceForwardCPU(layers []LayerConfig, input []float32, batchSize int, training bool) ([]float32, []*layerState, error) {
	data := input
	states := make([]*layerState, len(layers))

	for i := range layers {
		out, st, err := layerForwardCPU(&layers[i], data, batchSize, training)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d (%d): %w", i, layers[i].Type, err)
		}
		states[i] = st
		data = out
	}

	return data, states, nil
}

// layerForwardCPU routes a forward pass to the layer's kernel and records
// whatever the backward pass will need.
func layerForwardCPU(config *LayerConfig, input []float32, batchSize int, training bool) ([]float32, *layerState, error) {
	switch config.Type {
	case LayerConv2D:
		output := conv2DForwardCPU(input, config, batchSize)
		return output, &layerState{input: input}, nil

	case LayerBatchNorm2D:
		spatial := config.InputHeight * config.InputWidth
		output, st := batchNormForwardCPU(input, config, batchSize, spatial, training)
		return output, st, nil

	case LayerBatchNorm1D:
		output, st := batchNormForwardCPU(input, config, batchSize, 1, training)
		return output, st, nil

	case LayerActivation:
		output := make([]float32, len(input))
		for i, v := range input {
			output[i] = activateCPU(v, config.Activation)
		}
		return output, &layerState{input: input}, nil

	case LayerAvgPool2D:
		output := avgPool2DForwardCPU(input, config, batchSize)
		return output, &layerState{input: input}, nil

	case LayerMaxPool2D:
		output, argmax := maxPool2DForwardCPU(input, config, batchSize)
		return output, &layerState{input: input, argmax: argmax}, nil

	case LayerGlobalAvgPool:
		output := globalAvgPoolForwardCPU(input, config, batchSize)
		return output, &layerState{input: input}, nil

	case LayerDropout:
		output, mask := dropoutForwardCPU(input, config, training)
		return output, &layerState{input: input, mask: mask}, nil

	case LayerDense:
		output := denseForwardCPU(input, config, batchSize)
		return output, &layerState{input: input}, nil

	case LayerSequence:
		output, sub, err := sequenceForwardCPU(config.Sub, input, batchSize, training)
		if err != nil {
			return nil, nil, err
		}
		return output, &layerState{input: input, sub: sub}, nil

	case LayerDenseBlock:
		return denseBlockForwardCPU(config, input, batchSize, training)

	case LayerInvertedResidual:
		output, sub, err := sequenceForwardCPU(config.Sub, input, batchSize, training)
		if err != nil {
			return nil, nil, err
		}
		if config.UseResidual {
			for i := range output {
				output[i] += input[i]
			}
		}
		return output, &layerState{input: input, sub: sub}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported layer type %d", config.Type)
	}
}

// denseBlockForwardCPU runs a DenseNet block: every dense layer consumes the
// channel-concatenation of the block input and all features produced so far,
// and the block output concatenates everything once more.
func denseBlockForwardCPU(config *LayerConfig, input []float32, batchSize int, training bool) ([]float32, *layerState, error) {
	spatial := config.InputHeight * config.InputWidth

	feats := [][]float32{input}
	channels := []int{config.InputChannels}
	st := &layerState{input: input}

	for i := range config.Sub {
		concatIn := concatChannels(feats, channels, batchSize, spatial)
		st.feats = append(st.feats, concatIn)

		out, subStates, err := sequenceForwardCPU(config.Sub[i].Sub, concatIn, batchSize, training)
		if err != nil {
			return nil, nil, fmt.Errorf("dense layer %d: %w", i, err)
		}
		st.featTapes = append(st.featTapes, subStates)

		feats = append(feats, out)
		channels = append(channels, config.GrowthRate)
	}

	output := concatChannels(feats, channels, batchSize, spatial)
	return output, st, nil
}

// concatChannels joins tensors along the channel axis.
// Each feats[i] has shape [batch][channels[i]][spatial].
func concatChannels(feats [][]float32, channels []int, batchSize, spatial int) []float32 {
	total := 0
	for _, c := range channels {
		total += c
	}

	out := make([]float32, batchSize*total*spatial)
	for b := 0; b < batchSize; b++ {
		offset := 0
		for i, f := range feats {
			c := channels[i]
			copy(out[(b*total+offset)*spatial:], f[b*c*spatial:(b+1)*c*spatial])
			offset += c
		}
	}
	return out
}

// splitChannels is the inverse of concatChannels.
func splitChannels(data []float32, channels []int, batchSize, spatial int) [][]float32 {
	total := 0
	for _, c := range channels {
		total += c
	}

	parts := make([][]float32, len(channels))
	for i, c := range channels {
		parts[i] = make([]float32, batchSize*c*spatial)
	}

	for b := 0; b < batchSize; b++ {
		offset := 0
		for i, c := range channels {
			copy(parts[i][b*c*spatial:], data[(b*total+offset)*spatial:(b*total+offset+c)*spatial])
			offset += c
		}
	}
	return parts
}
