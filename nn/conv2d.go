package nn

import (
	"math"
	"math/rand"
)

// InitConv2DLayer initializes a Conv2D layer with He-initialized weights.
// groups partitions the channels: 1 is a dense convolution, inputChannels
// makes it depthwise. Convolutions feeding a batch norm carry no bias.
func InitConv2DLayer(
	inputHeight, inputWidth, inputChannels int,
	kernelSize, stride, padding, filters, groups int,
	withBias bool,
) LayerConfig {
	if groups < 1 {
		groups = 1
	}

	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1

	groupChannels := inputChannels / groups
	kernelTotal := filters * groupChannels * kernelSize * kernelSize
	kernel := make([]float32, kernelTotal)
	stddev := float32(math.Sqrt(2.0 / float64(groupChannels*kernelSize*kernelSize)))

	for i := range kernel {
		kernel[i] = float32(rand.NormFloat64()) * stddev
	}

	var bias []float32
	if withBias {
		bias = make([]float32, filters)
	}

	return LayerConfig{
		Type:          LayerConv2D,
		KernelSize:    kernelSize,
		Stride:        stride,
		Padding:       padding,
		Filters:       filters,
		Groups:        groups,
		Kernel:        kernel,
		Bias:          bias,
		InputHeight:   inputHeight,
		InputWidth:    inputWidth,
		InputChannels: inputChannels,
		OutputHeight:  outputHeight,
		OutputWidth:   outputWidth,
	}
}

// conv2DForwardCPU performs grouped 2D convolution on CPU.
// input shape: [batch][inChannels][height][width] (flattened)
// output shape: [batch][filters][outHeight][outWidth] (flattened)
func conv2DForwardCPU(input []float32, config *LayerConfig, batchSize int) []float32 {
	inH := config.InputHeight
	inW := config.InputWidth
	inC := config.InputChannels
	kSize := config.KernelSize
	stride := config.Stride
	padding := config.Padding
	filters := config.Filters
	groups := config.Groups
	if groups < 1 {
		groups = 1
	}
	outH := config.OutputHeight
	outW := config.OutputWidth

	groupChannels := inC / groups
	groupFilters := filters / groups

	output := make([]float32, batchSize*filters*outH*outW)

	for b := 0; b < batchSize; b++ {
		for f := 0; f < filters; f++ {
			// Channel range this filter convolves over
			g := f / groupFilters
			icBase := g * groupChannels

			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := float32(0)
					if config.Bias != nil {
						sum = config.Bias[f]
					}

					for ic := 0; ic < groupChannels; ic++ {
						for kh := 0; kh < kSize; kh++ {
							for kw := 0; kw < kSize; kw++ {
								ih := oh*stride + kh - padding
								iw := ow*stride + kw - padding

								if ih >= 0 && ih < inH && iw >= 0 && iw < inW {
									inputIdx := b*inC*inH*inW + (icBase+ic)*inH*inW + ih*inW + iw
									kernelIdx := f*groupChannels*kSize*kSize + ic*kSize*kSize + kh*kSize + kw
									sum += input[inputIdx] * config.Kernel[kernelIdx]
								}
							}
						}
					}

					output[b*filters*outH*outW+f*outH*outW+oh*outW+ow] = sum
				}
			}
		}
	}

	return output
}

// conv2DBackwardCPU computes gradients for grouped 2D convolution on CPU.
// Weight gradients accumulate into config.KernelGrad/BiasGrad; the returned
// slice is the gradient with respect to the input.
func conv2DBackwardCPU(gradOutput, input []float32, config *LayerConfig, batchSize int) []float32 {
	inH := config.InputHeight
	inW := config.InputWidth
	inC := config.InputChannels
	kSize := config.KernelSize
	stride := config.Stride
	padding := config.Padding
	filters := config.Filters
	groups := config.Groups
	if groups < 1 {
		groups = 1
	}
	outH := config.OutputHeight
	outW := config.OutputWidth

	groupChannels := inC / groups
	groupFilters := filters / groups

	if config.KernelGrad == nil {
		config.KernelGrad = make([]float32, len(config.Kernel))
	}
	if config.Bias != nil && config.BiasGrad == nil {
		config.BiasGrad = make([]float32, len(config.Bias))
	}

	gradInput := make([]float32, batchSize*inC*inH*inW)

	for b := 0; b < batchSize; b++ {
		for f := 0; f < filters; f++ {
			g := f / groupFilters
			icBase := g * groupChannels

			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					gradOut := gradOutput[b*filters*outH*outW+f*outH*outW+oh*outW+ow]

					if config.Bias != nil {
						config.BiasGrad[f] += gradOut
					}

					for ic := 0; ic < groupChannels; ic++ {
						for kh := 0; kh < kSize; kh++ {
							for kw := 0; kw < kSize; kw++ {
								ih := oh*stride + kh - padding
								iw := ow*stride + kw - padding

								if ih >= 0 && ih < inH && iw >= 0 && iw < inW {
									inputIdx := b*inC*inH*inW + (icBase+ic)*inH*inW + ih*inW + iw
									kernelIdx := f*groupChannels*kSize*kSize + ic*kSize*kSize + kh*kSize + kw

									gradInput[inputIdx] += gradOut * config.Kernel[kernelIdx]
									config.KernelGrad[kernelIdx] += gradOut * input[inputIdx]
								}
							}
						}
					}
				}
			}
		}
	}

	return gradInput
}
