package nn

import (
	"fmt"
	"sort"
)

// =============================================================================
// Architecture families
// =============================================================================
// Trunks and branch heads are assembled from configuration data (layer
// counts, channel widths, strides) by generic block builders. A family
// builder returns the shared trunk, a factory producing one freshly
// initialized branch head, and the trunk output geometry the gate network
// and heads consume.

type familyBuilder func(cfg ModelConfig) (trunk []LayerConfig, newHead func() []LayerConfig, featC, featH, featW int, err error)

var familyRegistry = map[string]familyBuilder{
	"densenetd40k12":  buildDenseNetD40K12,
	"densenetd100k12": buildDenseNetD100K12,
	"densenetd100k40": buildDenseNetD100K40,
	"densenet121":     buildDenseNet121,
	"mobilenet_v2":    buildMobileNetV2,
}

// Families lists the registered architecture family names.
func Families() []string {
	names := make([]string, 0, len(familyRegistry))
	for name := range familyRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InitActivationLayer wraps an element-wise activation as a layer.
func InitActivationLayer(activation ActivationType) LayerConfig {
	return LayerConfig{
		Type:       LayerActivation,
		Activation: activation,
	}
}

// =============================================================================
// DenseNet
// =============================================================================

// denseNetParams fixes one DenseNet variant.
type denseNetParams struct {
	growthRate      int
	blockConfig     []int
	numInitFeatures int
	bnSize          int
	compression     float64
}

func buildDenseNetD40K12(cfg ModelConfig) ([]LayerConfig, func() []LayerConfig, int, int, int, error) {
	return buildDenseNet(denseNetParams{12, []int{6, 6, 6}, 24, 4, 0.5}, cfg)
}

func buildDenseNetD100K12(cfg ModelConfig) ([]LayerConfig, func() []LayerConfig, int, int, int, error) {
	return buildDenseNet(denseNetParams{12, []int{16, 16, 16}, 24, 4, 0.5}, cfg)
}

func buildDenseNetD100K40(cfg ModelConfig) ([]LayerConfig, func() []LayerConfig, int, int, int, error) {
	return buildDenseNet(denseNetParams{40, []int{16, 16, 16}, 24, 4, 0.5}, cfg)
}

func buildDenseNet121(cfg ModelConfig) ([]LayerConfig, func() []LayerConfig, int, int, int, error) {
	return buildDenseNet(denseNetParams{32, []int{6, 12, 24, 16}, 64, 4, 0.5}, cfg)
}

// denseLayerSequence builds one DenseNet bottleneck layer:
// bn-relu-conv1x1 expanding to bnSize*growth, bn-relu-conv3x3 down to growth.
func denseLayerSequence(inC, growthRate, bnSize, h, w int, dropRate float32) LayerConfig {
	bottleneck := bnSize * growthRate
	sub := []LayerConfig{
		InitBatchNorm2DLayer(inC, h, w),
		InitActivationLayer(ActivationReLU),
		InitConv2DLayer(h, w, inC, 1, 1, 0, bottleneck, 1, false),
		InitBatchNorm2DLayer(bottleneck, h, w),
		InitActivationLayer(ActivationReLU),
		InitConv2DLayer(h, w, bottleneck, 3, 1, 1, growthRate, 1, false),
	}
	if dropRate > 0 {
		sub = append(sub, InitDropoutLayer(dropRate))
	}
	return LayerConfig{Type: LayerSequence, Sub: sub}
}

// InitDenseBlockLayer builds a DenseNet block of numLayers bottleneck layers
// with concatenative feature reuse. Output channels: inC + numLayers*growth.
func InitDenseBlockLayer(numLayers, inC, growthRate, bnSize, h, w int, dropRate float32) LayerConfig {
	sub := make([]LayerConfig, numLayers)
	for i := 0; i < numLayers; i++ {
		sub[i] = denseLayerSequence(inC+i*growthRate, growthRate, bnSize, h, w, dropRate)
	}
	return LayerConfig{
		Type:          LayerDenseBlock,
		Sub:           sub,
		GrowthRate:    growthRate,
		InputChannels: inC,
		InputHeight:   h,
		InputWidth:    w,
		OutputHeight:  h,
		OutputWidth:   w,
	}
}

// transitionLayers compress channels and halve the spatial resolution
// between dense blocks: bn-relu-conv1x1-avgpool2.
func transitionLayers(inC, outC, h, w int) []LayerConfig {
	return []LayerConfig{
		InitBatchNorm2DLayer(inC, h, w),
		InitActivationLayer(ActivationReLU),
		InitConv2DLayer(h, w, inC, 1, 1, 0, outC, 1, false),
		InitAvgPool2DLayer(outC, h, w, 2, 2),
	}
}

func buildDenseNet(p denseNetParams, cfg ModelConfig) ([]LayerConfig, func() []LayerConfig, int, int, int, error) {
	h := cfg.InputHeight
	w := cfg.InputWidth
	inC := cfg.InputChannels
	smallInputs := h <= 64

	var trunk []LayerConfig
	features := p.numInitFeatures

	if smallInputs {
		trunk = append(trunk,
			InitConv2DLayer(h, w, inC, 3, 1, 1, features, 1, false),
			InitBatchNorm2DLayer(features, h, w),
			InitActivationLayer(ActivationReLU),
		)
	} else {
		trunk = append(trunk, InitConv2DLayer(h, w, inC, 7, 2, 3, features, 1, false))
		h = trunk[0].OutputHeight
		w = trunk[0].OutputWidth
		trunk = append(trunk,
			InitBatchNorm2DLayer(features, h, w),
			InitActivationLayer(ActivationReLU),
		)
		pool := InitMaxPool2DLayer(features, h, w, 3, 2, 1)
		trunk = append(trunk, pool)
		h = pool.OutputHeight
		w = pool.OutputWidth
	}

	// All blocks but the last are shared; the last block belongs to the
	// branch heads.
	for i := 0; i < len(p.blockConfig)-1; i++ {
		trunk = append(trunk, InitDenseBlockLayer(p.blockConfig[i], features, p.growthRate, p.bnSize, h, w, cfg.DropoutRate))
		features += p.blockConfig[i] * p.growthRate

		compressed := int(float64(features) * p.compression)
		trunk = append(trunk, transitionLayers(features, compressed, h, w)...)
		features = compressed
		h /= 2
		w /= 2
	}

	featC, featH, featW := features, h, w
	headLayers := p.blockConfig[len(p.blockConfig)-1]
	headC := featC + headLayers*p.growthRate

	newHead := func() []LayerConfig {
		return []LayerConfig{
			InitDenseBlockLayer(headLayers, featC, p.growthRate, p.bnSize, featH, featW, cfg.DropoutRate),
			InitBatchNorm2DLayer(headC, featH, featW),
			InitActivationLayer(ActivationReLU),
			InitGlobalAvgPoolLayer(headC, featH, featW),
			InitDenseLayer(headC, cfg.NumClasses),
		}
	}

	return trunk, newHead, featC, featH, featW, nil
}

// =============================================================================
// MobileNetV2
// =============================================================================

// invertedResidualSetting is the (expansion, channels, repeats, stride)
// table from the MobileNetV2 paper, with the early strides flattened to 1
// for 32x32 inputs.
var invertedResidualSetting = [][4]int{
	{1, 16, 1, 1},
	{6, 24, 2, 1},
	{6, 32, 3, 1},
	{6, 64, 4, 2},
	{6, 96, 3, 1},
	{6, 160, 3, 2},
	{6, 320, 1, 1},
}

// makeDivisible rounds channel counts to multiples of divisor, never
// dropping more than 10% below the requested width.
func makeDivisible(v float64, divisor int) int {
	newV := int(v+float64(divisor)/2) / divisor * divisor
	if newV < divisor {
		newV = divisor
	}
	if float64(newV) < 0.9*v {
		newV += divisor
	}
	return newV
}

// convBNReLU6 builds the conv-batchnorm-ReLU6 sequence MobileNetV2 is made
// of. groups equal to inC makes the convolution depthwise.
func convBNReLU6(inC, outC, kernelSize, stride, groups, h, w int) LayerConfig {
	padding := (kernelSize - 1) / 2
	conv := InitConv2DLayer(h, w, inC, kernelSize, stride, padding, outC, groups, false)
	return LayerConfig{
		Type: LayerSequence,
		Sub: []LayerConfig{
			conv,
			InitBatchNorm2DLayer(outC, conv.OutputHeight, conv.OutputWidth),
			InitActivationLayer(ActivationReLU6),
		},
	}
}

// InitInvertedResidualLayer builds one MobileNetV2 bottleneck: pointwise
// expansion, depthwise 3x3, linear pointwise projection, with a residual
// connection when the block preserves shape.
func InitInvertedResidualLayer(inC, outC, stride, expandRatio, h, w int) LayerConfig {
	hidden := inC * expandRatio

	var sub []LayerConfig
	if expandRatio != 1 {
		sub = append(sub, convBNReLU6(inC, hidden, 1, 1, 1, h, w))
	}
	dw := convBNReLU6(hidden, hidden, 3, stride, hidden, h, w)
	outH := dw.Sub[0].OutputHeight
	outW := dw.Sub[0].OutputWidth
	sub = append(sub,
		dw,
		InitConv2DLayer(outH, outW, hidden, 1, 1, 0, outC, 1, false),
		InitBatchNorm2DLayer(outC, outH, outW),
	)

	return LayerConfig{
		Type:          LayerInvertedResidual,
		Sub:           sub,
		InputChannels: inC,
		InputHeight:   h,
		InputWidth:    w,
		OutputHeight:  outH,
		OutputWidth:   outW,
		UseResidual:   stride == 1 && inC == outC,
	}
}

func buildMobileNetV2(cfg ModelConfig) ([]LayerConfig, func() []LayerConfig, int, int, int, error) {
	h := cfg.InputHeight
	w := cfg.InputWidth
	widthMult := float64(cfg.WidthMult)

	inputChannel := makeDivisible(32*widthMult, 8)
	lastChannel := makeDivisible(1280*maxFloat(1.0, widthMult), 8)

	stem := convBNReLU6(cfg.InputChannels, inputChannel, 3, 1, 1, h, w)
	trunk := []LayerConfig{stem}

	channels := inputChannel
	for _, setting := range invertedResidualSetting {
		t, c, n, s := setting[0], setting[1], setting[2], setting[3]
		outputChannel := makeDivisible(float64(c)*widthMult, 8)
		for i := 0; i < n; i++ {
			stride := 1
			if i == 0 {
				stride = s
			}
			block := InitInvertedResidualLayer(channels, outputChannel, stride, t, h, w)
			trunk = append(trunk, block)
			channels = outputChannel
			h = block.OutputHeight
			w = block.OutputWidth
		}
	}

	featC, featH, featW := channels, h, w

	// The classifier keeps its usual 0.2 dropout unless the config asks
	// for a specific rate.
	dropRate := cfg.DropoutRate
	if dropRate == 0 {
		dropRate = 0.2
	}

	newHead := func() []LayerConfig {
		return []LayerConfig{
			convBNReLU6(featC, lastChannel, 1, 1, 1, featH, featW),
			InitGlobalAvgPoolLayer(lastChannel, featH, featW),
			InitDropoutLayer(dropRate),
			InitDenseLayer(lastChannel, cfg.NumClasses),
		}
	}

	return trunk, newHead, featC, featH, featW, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func buildFamily(cfg ModelConfig) ([]LayerConfig, func() []LayerConfig, int, int, int, error) {
	builder, ok := familyRegistry[cfg.Family]
	if !ok {
		return nil, nil, 0, 0, 0, fmt.Errorf("unknown architecture family %q (have %v)", cfg.Family, Families())
	}
	return builder(cfg)
}
