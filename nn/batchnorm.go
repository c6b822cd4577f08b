package nn

import (
	"math"
)

// InitBatchNorm2DLayer initializes per-channel batch normalization for
// [batch][channels][H][W] data. Scale starts at one, shift at zero.
func InitBatchNorm2DLayer(channels, height, width int) LayerConfig {
	cfg := LayerConfig{
		Type:         LayerBatchNorm2D,
		Channels:     channels,
		InputHeight:  height,
		InputWidth:   width,
		OutputHeight: height,
		OutputWidth:  width,
		Momentum:     0.1,
		Epsilon:      1e-5,
	}
	initBatchNormParams(&cfg)
	return cfg
}

// InitBatchNorm1DLayer initializes per-feature batch normalization for
// [batch][features] data.
func InitBatchNorm1DLayer(features int) LayerConfig {
	cfg := LayerConfig{
		Type:     LayerBatchNorm1D,
		Channels: features,
		Momentum: 0.1,
		Epsilon:  1e-5,
	}
	initBatchNormParams(&cfg)
	return cfg
}

func initBatchNormParams(cfg *LayerConfig) {
	c := cfg.Channels
	cfg.Gamma = make([]float32, c)
	cfg.Beta = make([]float32, c)
	cfg.RunningMean = make([]float32, c)
	cfg.RunningVar = make([]float32, c)
	for i := 0; i < c; i++ {
		cfg.Gamma[i] = 1
		cfg.RunningVar[i] = 1
	}
}

// batchNormForwardCPU normalizes each channel over batch and spatial
// positions. spatial is H*W for 2D data and 1 for flat features.
// Training mode normalizes with batch statistics and updates the running
// estimates; eval mode normalizes with the frozen running estimates.
func batchNormForwardCPU(input []float32, config *LayerConfig, batchSize, spatial int, training bool) ([]float32, *layerState) {
	channels := config.Channels
	epsilon := config.Epsilon
	if epsilon == 0 {
		epsilon = 1e-5
	}
	momentum := config.Momentum
	if momentum == 0 {
		momentum = 0.1
	}

	output := make([]float32, len(input))
	st := &layerState{input: input}

	if !training {
		for c := 0; c < channels; c++ {
			scale := config.Gamma[c] / float32(math.Sqrt(float64(config.RunningVar[c])+float64(epsilon)))
			shift := config.Beta[c] - scale*config.RunningMean[c]
			for b := 0; b < batchSize; b++ {
				base := b*channels*spatial + c*spatial
				for s := 0; s < spatial; s++ {
					output[base+s] = input[base+s]*scale + shift
				}
			}
		}
		return output, st
	}

	n := batchSize * spatial
	mean := make([]float32, channels)
	invStd := make([]float32, channels)
	xhat := make([]float32, len(input))

	for c := 0; c < channels; c++ {
		var sum float64
		for b := 0; b < batchSize; b++ {
			base := b*channels*spatial + c*spatial
			for s := 0; s < spatial; s++ {
				sum += float64(input[base+s])
			}
		}
		m := sum / float64(n)

		var variance float64
		for b := 0; b < batchSize; b++ {
			base := b*channels*spatial + c*spatial
			for s := 0; s < spatial; s++ {
				diff := float64(input[base+s]) - m
				variance += diff * diff
			}
		}
		variance /= float64(n)

		mean[c] = float32(m)
		invStd[c] = float32(1.0 / math.Sqrt(variance+float64(epsilon)))

		for b := 0; b < batchSize; b++ {
			base := b*channels*spatial + c*spatial
			for s := 0; s < spatial; s++ {
				xh := (input[base+s] - mean[c]) * invStd[c]
				xhat[base+s] = xh
				output[base+s] = xh*config.Gamma[c] + config.Beta[c]
			}
		}

		// Running estimates track the unbiased variance
		unbiased := variance
		if n > 1 {
			unbiased = variance * float64(n) / float64(n-1)
		}
		config.RunningMean[c] = (1-momentum)*config.RunningMean[c] + momentum*mean[c]
		config.RunningVar[c] = (1-momentum)*config.RunningVar[c] + momentum*float32(unbiased)
	}

	st.mean = mean
	st.invStd = invStd
	st.xhat = xhat
	return output, st
}

// batchNormBackwardCPU computes gradients for batch normalization. Scale and
// shift gradients accumulate into the config's gradient buffers.
func batchNormBackwardCPU(gradOutput []float32, config *LayerConfig, st *layerState, batchSize, spatial int) []float32 {
	channels := config.Channels
	epsilon := config.Epsilon
	if epsilon == 0 {
		epsilon = 1e-5
	}

	if config.GammaGrad == nil {
		config.GammaGrad = make([]float32, channels)
	}
	if config.BetaGrad == nil {
		config.BetaGrad = make([]float32, channels)
	}

	gradInput := make([]float32, len(gradOutput))

	if st.xhat == nil {
		// Eval-mode forward: the transform is affine with frozen statistics
		for c := 0; c < channels; c++ {
			istd := float32(1.0 / math.Sqrt(float64(config.RunningVar[c])+float64(epsilon)))
			for b := 0; b < batchSize; b++ {
				base := b*channels*spatial + c*spatial
				for s := 0; s < spatial; s++ {
					xh := (st.input[base+s] - config.RunningMean[c]) * istd
					config.GammaGrad[c] += gradOutput[base+s] * xh
					config.BetaGrad[c] += gradOutput[base+s]
					gradInput[base+s] = gradOutput[base+s] * config.Gamma[c] * istd
				}
			}
		}
		return gradInput
	}

	n := float32(batchSize * spatial)

	for c := 0; c < channels; c++ {
		var sumDy, sumDyXhat float32
		for b := 0; b < batchSize; b++ {
			base := b*channels*spatial + c*spatial
			for s := 0; s < spatial; s++ {
				dy := gradOutput[base+s]
				sumDy += dy
				sumDyXhat += dy * st.xhat[base+s]
			}
		}

		config.GammaGrad[c] += sumDyXhat
		config.BetaGrad[c] += sumDy

		k := config.Gamma[c] * st.invStd[c] / n
		for b := 0; b < batchSize; b++ {
			base := b*channels*spatial + c*spatial
			for s := 0; s < spatial; s++ {
				dy := gradOutput[base+s]
				gradInput[base+s] = k * (n*dy - sumDy - st.xhat[base+s]*sumDyXhat)
			}
		}
	}

	return gradInput
}
