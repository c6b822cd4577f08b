package nn

// InitAvgPool2DLayer initializes average pooling with a square window.
func InitAvgPool2DLayer(channels, height, width, poolSize, stride int) LayerConfig {
	return LayerConfig{
		Type:          LayerAvgPool2D,
		Channels:      channels,
		InputChannels: channels,
		InputHeight:   height,
		InputWidth:    width,
		PoolSize:      poolSize,
		Stride:        stride,
		OutputHeight:  (height-poolSize)/stride + 1,
		OutputWidth:   (width-poolSize)/stride + 1,
	}
}

// InitMaxPool2DLayer initializes max pooling with a square window.
func InitMaxPool2DLayer(channels, height, width, poolSize, stride, padding int) LayerConfig {
	return LayerConfig{
		Type:          LayerMaxPool2D,
		Channels:      channels,
		InputChannels: channels,
		InputHeight:   height,
		InputWidth:    width,
		PoolSize:      poolSize,
		Stride:        stride,
		Padding:       padding,
		OutputHeight:  (height+2*padding-poolSize)/stride + 1,
		OutputWidth:   (width+2*padding-poolSize)/stride + 1,
	}
}

// InitGlobalAvgPoolLayer initializes global average pooling, collapsing
// [batch][channels][H][W] to [batch][channels].
func InitGlobalAvgPoolLayer(channels, height, width int) LayerConfig {
	return LayerConfig{
		Type:          LayerGlobalAvgPool,
		Channels:      channels,
		InputChannels: channels,
		InputHeight:   height,
		InputWidth:    width,
		OutputHeight:  1,
		OutputWidth:   1,
	}
}

// avgPool2DForwardCPU averages each pooling window.
func avgPool2DForwardCPU(input []float32, config *LayerConfig, batchSize int) []float32 {
	channels := config.Channels
	inH := config.InputHeight
	inW := config.InputWidth
	pool := config.PoolSize
	stride := config.Stride
	outH := config.OutputHeight
	outW := config.OutputWidth

	output := make([]float32, batchSize*channels*outH*outW)
	norm := float32(1.0) / float32(pool*pool)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < channels; c++ {
			inBase := b*channels*inH*inW + c*inH*inW
			outBase := b*channels*outH*outW + c*outH*outW
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := float32(0)
					for ph := 0; ph < pool; ph++ {
						for pw := 0; pw < pool; pw++ {
							sum += input[inBase+(oh*stride+ph)*inW+ow*stride+pw]
						}
					}
					output[outBase+oh*outW+ow] = sum * norm
				}
			}
		}
	}

	return output
}

// avgPool2DBackwardCPU distributes each output gradient evenly over its window.
func avgPool2DBackwardCPU(gradOutput []float32, config *LayerConfig, batchSize int) []float32 {
	channels := config.Channels
	inH := config.InputHeight
	inW := config.InputWidth
	pool := config.PoolSize
	stride := config.Stride
	outH := config.OutputHeight
	outW := config.OutputWidth

	gradInput := make([]float32, batchSize*channels*inH*inW)
	norm := float32(1.0) / float32(pool*pool)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < channels; c++ {
			inBase := b*channels*inH*inW + c*inH*inW
			outBase := b*channels*outH*outW + c*outH*outW
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					g := gradOutput[outBase+oh*outW+ow] * norm
					for ph := 0; ph < pool; ph++ {
						for pw := 0; pw < pool; pw++ {
							gradInput[inBase+(oh*stride+ph)*inW+ow*stride+pw] += g
						}
					}
				}
			}
		}
	}

	return gradInput
}

// maxPool2DForwardCPU takes the maximum of each pooling window and records
// the winner index for backward routing.
func maxPool2DForwardCPU(input []float32, config *LayerConfig, batchSize int) ([]float32, []int) {
	channels := config.Channels
	inH := config.InputHeight
	inW := config.InputWidth
	pool := config.PoolSize
	stride := config.Stride
	padding := config.Padding
	outH := config.OutputHeight
	outW := config.OutputWidth

	output := make([]float32, batchSize*channels*outH*outW)
	argmax := make([]int, len(output))

	for b := 0; b < batchSize; b++ {
		for c := 0; c < channels; c++ {
			inBase := b*channels*inH*inW + c*inH*inW
			outBase := b*channels*outH*outW + c*outH*outW
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					best := float32(0)
					bestIdx := -1
					for ph := 0; ph < pool; ph++ {
						for pw := 0; pw < pool; pw++ {
							ih := oh*stride + ph - padding
							iw := ow*stride + pw - padding
							if ih < 0 || ih >= inH || iw < 0 || iw >= inW {
								continue
							}
							idx := inBase + ih*inW + iw
							if bestIdx < 0 || input[idx] > best {
								best = input[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := outBase + oh*outW + ow
					output[outIdx] = best
					argmax[outIdx] = bestIdx
				}
			}
		}
	}

	return output, argmax
}

// maxPool2DBackwardCPU routes each output gradient to the winning input.
func maxPool2DBackwardCPU(gradOutput []float32, argmax []int, config *LayerConfig, batchSize int) []float32 {
	gradInput := make([]float32, batchSize*config.Channels*config.InputHeight*config.InputWidth)
	for i, idx := range argmax {
		if idx >= 0 {
			gradInput[idx] += gradOutput[i]
		}
	}
	return gradInput
}

// globalAvgPoolForwardCPU collapses spatial dimensions to a per-channel mean.
func globalAvgPoolForwardCPU(input []float32, config *LayerConfig, batchSize int) []float32 {
	channels := config.Channels
	spatial := config.InputHeight * config.InputWidth

	output := make([]float32, batchSize*channels)
	norm := float32(1.0) / float32(spatial)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < channels; c++ {
			base := b*channels*spatial + c*spatial
			sum := float32(0)
			for s := 0; s < spatial; s++ {
				sum += input[base+s]
			}
			output[b*channels+c] = sum * norm
		}
	}

	return output
}

// globalAvgPoolBackwardCPU spreads each channel gradient evenly over space.
func globalAvgPoolBackwardCPU(gradOutput []float32, config *LayerConfig, batchSize int) []float32 {
	channels := config.Channels
	spatial := config.InputHeight * config.InputWidth

	gradInput := make([]float32, batchSize*channels*spatial)
	norm := float32(1.0) / float32(spatial)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < channels; c++ {
			g := gradOutput[b*channels+c] * norm
			base := b*channels*spatial + c*spatial
			for s := 0; s < spatial; s++ {
				gradInput[base+s] = g
			}
		}
	}

	return gradInput
}
