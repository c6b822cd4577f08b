package nn

import (
	"github.com/openfluke/webgpu/wgpu"
)

// ActivationType defines the activation function used in a layer
type ActivationType int

const (
	ActivationNone      ActivationType = 0 // identity
	ActivationReLU      ActivationType = 1 // max(0, v)
	ActivationReLU6     ActivationType = 2 // min(max(0, v), 6)
	ActivationLeakyReLU ActivationType = 3 // v if v >= 0, else v * 0.1
	ActivationSigmoid   ActivationType = 4 // 1 / (1 + exp(-v))
	ActivationTanh      ActivationType = 5 // tanh(v)
)

// LayerType defines the type of layer in a stage sequence
type LayerType int

const (
	LayerConv2D           LayerType = 0 // 2D convolution (optionally grouped)
	LayerBatchNorm2D      LayerType = 1 // per-channel batch normalization
	LayerBatchNorm1D      LayerType = 2 // per-feature batch normalization
	LayerActivation       LayerType = 3 // element-wise activation
	LayerAvgPool2D        LayerType = 4 // average pooling
	LayerMaxPool2D        LayerType = 5 // max pooling
	LayerGlobalAvgPool    LayerType = 6 // global average pool to [batch][channels]
	LayerDropout          LayerType = 7 // inverted dropout
	LayerDense            LayerType = 8 // fully-connected projection
	LayerSequence         LayerType = 9 // composite: run Sub layers in order
	LayerDenseBlock       LayerType = 10 // composite: DenseNet block with feature reuse
	LayerInvertedResidual LayerType = 11 // composite: MobileNetV2 bottleneck
)

// FusionMode selects how branch logits are combined into a fused prediction
type FusionMode string

const (
	// FusionIndependent disables fusion: branches train independently and
	// the fused output is absent.
	FusionIndependent FusionMode = "independent"
	// FusionGated mixes branch logits with weights from a learned gate
	// network reading the trunk output.
	FusionGated FusionMode = "gated"
	// FusionLeaveOneOut assigns each branch a fused target equal to the
	// average of all other branches. Requires at least two branches.
	FusionLeaveOneOut FusionMode = "leave_one_out_average"
)

// LayerConfig holds configuration and parameters for a single layer.
// Composite layer types nest further configs in Sub.
type LayerConfig struct {
	Type       LayerType
	Activation ActivationType

	// Conv2D parameters
	KernelSize int       // kernel height/width (square kernels)
	Stride     int
	Padding    int
	Filters    int       // output channels
	Groups     int       // 1 = dense conv, InputChannels = depthwise
	Kernel     []float32 // [filters][inChannels/groups][k][k]
	Bias       []float32 // [filters], nil for bias-free convs

	// Spatial shape (Conv2D, pooling, batchnorm 2D)
	InputHeight   int
	InputWidth    int
	InputChannels int
	OutputHeight  int
	OutputWidth   int

	// Dense parameters
	InputSize  int
	OutputSize int
	Weights    []float32 // [inputSize][outputSize]

	// BatchNorm parameters
	Channels    int
	Gamma       []float32
	Beta        []float32
	RunningMean []float32
	RunningVar  []float32
	Momentum    float32 // running-stat update rate, 0.1 if zero
	Epsilon     float32 // numeric floor, 1e-5 if zero

	// Pooling parameters
	PoolSize int

	// Dropout parameters
	DropRate float32

	// Composite parameters
	Sub         []LayerConfig
	GrowthRate  int  // DenseBlock: channels added per dense layer
	UseResidual bool // InvertedResidual: add input to output

	// Gradient buffers, allocated on first backward pass
	KernelGrad []float32
	BiasGrad   []float32
	WeightGrad []float32
	GammaGrad  []float32
	BetaGrad   []float32
}

// ModelConfig fixes a model's architecture at construction time.
// It is read-only once the model is built.
type ModelConfig struct {
	Family      string     `json:"family"`       // architecture family name, e.g. "densenetd40k12"
	NumBranches int        `json:"num_branches"` // K, fixed per model instance
	NumClasses  int        `json:"num_classes"`
	Fusion      FusionMode `json:"fusion"`
	DropoutRate float32    `json:"dropout_rate"`
	GradScaling bool       `json:"grad_scaling"` // insert the 1/K gradient tap between trunk and heads

	// Input geometry. Zero values default to 32x32 RGB (CIFAR).
	InputHeight   int `json:"input_height,omitempty"`
	InputWidth    int `json:"input_width,omitempty"`
	InputChannels int `json:"input_channels,omitempty"`

	// MobileNetV2 width multiplier, 1.0 if zero.
	WidthMult float32 `json:"width_mult,omitempty"`
}

// Model is a built multi-branch network: one trunk, K branch heads, and an
// optional gate network when the fusion mode is gated.
type Model struct {
	Config ModelConfig

	Trunk []LayerConfig
	Heads [][]LayerConfig // K structurally identical, independently initialized head stacks
	Gate  *GateNetwork    // nil unless Fusion == FusionGated
	Tap   *GradScaleTap   // nil unless GradScaling

	// Trunk output geometry, fixed at build time
	FeatChannels int
	FeatHeight   int
	FeatWidth    int

	training bool

	// State captured by the last ForwardCPU, consumed by BackwardCPU
	lastBatch  int
	trunkTape  []*layerState
	headTapes  [][]*layerState
	gateTape   *gateState
	trunkOut   []float32
	lastPro    []float32
	deviceInfo *GPUDeviceInfo
}

// GPUDeviceInfo holds WebGPU resources for the GPU fusion path
type GPUDeviceInfo struct {
	Device     *wgpu.Device
	Queue      *wgpu.Queue
	WorkgroupX uint32
	release    func()
}

// SetTraining toggles training mode. Batch normalization accumulates running
// statistics and dropout is active only while training.
func (m *Model) SetTraining(training bool) {
	m.training = training
}

// Training reports whether the model is in training mode.
func (m *Model) Training() bool {
	return m.training
}

// NumBranches returns K, the number of branch heads.
func (m *Model) NumBranches() int {
	return m.Config.NumBranches
}

// layerState stores what a layer's forward pass must retain for backward.
type layerState struct {
	input  []float32
	output []float32

	// batchnorm: batch statistics and normalized values
	mean   []float32
	invStd []float32
	xhat   []float32

	// dropout keep mask (already scaled by 1/(1-p))
	mask []float32

	// maxpool winner indices into the input slice
	argmax []int

	// softmax probabilities (gate)
	probs []float32

	// composite sub-layer states
	sub []*layerState

	// dense block: feature list fed to each concatenation
	feats     [][]float32
	featTapes [][]*layerState
}
