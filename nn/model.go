package nn

import (
	"fmt"
)

// BuildModel assembles a multi-branch model from an immutable configuration.
// Configuration problems fail here, never at forward time: unknown families,
// non-positive branch or class counts, out-of-range dropout, and the
// degenerate leave-one-out mode with a single branch are all rejected.
func BuildModel(cfg ModelConfig) (*Model, error) {
	if cfg.InputHeight == 0 {
		cfg.InputHeight = 32
	}
	if cfg.InputWidth == 0 {
		cfg.InputWidth = 32
	}
	if cfg.InputChannels == 0 {
		cfg.InputChannels = 3
	}
	if cfg.WidthMult == 0 {
		cfg.WidthMult = 1.0
	}

	if cfg.NumBranches < 1 {
		return nil, fmt.Errorf("num_branches must be at least 1, got %d", cfg.NumBranches)
	}
	if cfg.NumClasses < 1 {
		return nil, fmt.Errorf("num_classes must be at least 1, got %d", cfg.NumClasses)
	}
	if cfg.DropoutRate < 0 || cfg.DropoutRate > 1 {
		return nil, fmt.Errorf("dropout_rate must be in [0,1], got %g", cfg.DropoutRate)
	}

	switch cfg.Fusion {
	case "":
		cfg.Fusion = FusionIndependent
	case FusionIndependent, FusionGated:
	case FusionLeaveOneOut:
		if cfg.NumBranches < 2 {
			return nil, fmt.Errorf("leave-one-out fusion divides by num_branches-1 and needs at least 2 branches, got %d", cfg.NumBranches)
		}
	default:
		return nil, fmt.Errorf("unknown fusion mode %q", cfg.Fusion)
	}

	trunk, newHead, featC, featH, featW, err := buildFamily(cfg)
	if err != nil {
		return nil, err
	}

	heads := make([][]LayerConfig, cfg.NumBranches)
	for i := range heads {
		heads[i] = newHead()
	}

	m := &Model{
		Config:       cfg,
		Trunk:        trunk,
		Heads:        heads,
		FeatChannels: featC,
		FeatHeight:   featH,
		FeatWidth:    featW,
	}

	// The gate only exists in gated mode; building it otherwise would be
	// wasted parameters.
	if cfg.Fusion == FusionGated {
		m.Gate = InitGateNetwork(featC, featH, featW, cfg.NumBranches)
	}
	if cfg.GradScaling {
		m.Tap = &GradScaleTap{Branches: cfg.NumBranches}
	}

	return m, nil
}

// ForwardCPU runs one batch through the trunk, every branch head, and the
// fusion combiner.
//
// input is [batch][channels][H][W] flattened. The returned per-branch
// logits are [batch][classes][K] with branch i at index i of the trailing
// axis. The fused logits are [batch][classes] in gated mode,
// [batch][classes][K] in leave-one-out mode, and nil in independent mode.
func (m *Model) ForwardCPU(input []float32, batchSize int) (pro, fused []float32, err error) {
	expected := batchSize * m.Config.InputChannels * m.Config.InputHeight * m.Config.InputWidth
	if len(input) != expected {
		return nil, nil, fmt.Errorf("input size %d does not match batch %d of %dx%dx%d",
			len(input), batchSize, m.Config.InputChannels, m.Config.InputHeight, m.Config.InputWidth)
	}

	trunkOut, trunkTape, err := sequenceForwardCPU(m.Trunk, input, batchSize, m.training)
	if err != nil {
		return nil, nil, fmt.Errorf("trunk: %w", err)
	}

	shared := trunkOut
	if m.Tap != nil {
		shared = m.Tap.Forward(shared)
	}

	classes := m.Config.NumClasses
	branches := m.Config.NumBranches

	// Every head reads the identical shared feature map.
	pro = make([]float32, batchSize*classes*branches)
	headTapes := make([][]*layerState, branches)
	for i := 0; i < branches; i++ {
		logits, tape, err := sequenceForwardCPU(m.Heads[i], shared, batchSize, m.training)
		if err != nil {
			return nil, nil, fmt.Errorf("head %d: %w", i, err)
		}
		headTapes[i] = tape

		for b := 0; b < batchSize; b++ {
			for c := 0; c < classes; c++ {
				pro[(b*classes+c)*branches+i] = logits[b*classes+c]
			}
		}
	}

	var gateTape *gateState
	switch m.Config.Fusion {
	case FusionGated:
		var weights []float32
		weights, gateTape = m.Gate.ForwardCPU(shared, batchSize, m.training)
		fused = FuseGated(pro, weights, batchSize, classes, branches)
	case FusionLeaveOneOut:
		fused = FuseLeaveOneOut(pro, batchSize, classes, branches)
	}

	m.lastBatch = batchSize
	m.trunkTape = trunkTape
	m.headTapes = headTapes
	m.gateTape = gateTape
	m.trunkOut = shared
	m.lastPro = pro

	return pro, fused, nil
}

// BackwardCPU backpropagates loss gradients through the model, accumulating
// parameter gradients, and returns the gradient with respect to the input.
//
// gradPro matches the per-branch logits shape [batch][classes][K]; gradFused
// matches the fused output shape for the active fusion mode. Either may be
// nil when the loss does not touch that output.
func (m *Model) BackwardCPU(gradPro, gradFused []float32, batchSize int) ([]float32, error) {
	if m.trunkTape == nil {
		return nil, fmt.Errorf("no forward pass recorded, call ForwardCPU first")
	}
	if batchSize != m.lastBatch {
		return nil, fmt.Errorf("backward batch %d does not match forward batch %d", batchSize, m.lastBatch)
	}

	classes := m.Config.NumClasses
	branches := m.Config.NumBranches

	totalGradPro := make([]float32, batchSize*classes*branches)
	if gradPro != nil {
		if len(gradPro) != len(totalGradPro) {
			return nil, fmt.Errorf("gradPro size %d, expected %d", len(gradPro), len(totalGradPro))
		}
		copy(totalGradPro, gradPro)
	}

	gradShared := make([]float32, len(m.trunkOut))

	if gradFused != nil {
		switch m.Config.Fusion {
		case FusionIndependent:
			return nil, fmt.Errorf("independent mode has no fused output to backpropagate")
		case FusionGated:
			if len(gradFused) != batchSize*classes {
				return nil, fmt.Errorf("gradFused size %d, expected %d", len(gradFused), batchSize*classes)
			}
			weights := m.gateTape.probs
			fusedGradPro, gradWeights := fuseGatedBackward(gradFused, m.lastPro, weights, batchSize, classes, branches)
			for i := range totalGradPro {
				totalGradPro[i] += fusedGradPro[i]
			}
			gateGrad := m.Gate.BackwardCPU(gradWeights, m.gateTape, batchSize)
			for i := range gradShared {
				gradShared[i] += gateGrad[i]
			}
		case FusionLeaveOneOut:
			if len(gradFused) != batchSize*classes*branches {
				return nil, fmt.Errorf("gradFused size %d, expected %d", len(gradFused), batchSize*classes*branches)
			}
			fusedGradPro := fuseLeaveOneOutBackward(gradFused, batchSize, classes, branches)
			for i := range totalGradPro {
				totalGradPro[i] += fusedGradPro[i]
			}
		}
	}

	// Head gradients accumulate additively into the shared feature map;
	// the order of branches does not matter.
	headGrad := make([]float32, batchSize*classes)
	for i := 0; i < branches; i++ {
		for b := 0; b < batchSize; b++ {
			for c := 0; c < classes; c++ {
				headGrad[b*classes+c] = totalGradPro[(b*classes+c)*branches+i]
			}
		}

		g, err := sequenceBackwardCPU(m.Heads[i], m.headTapes[i], headGrad, batchSize)
		if err != nil {
			return nil, fmt.Errorf("head %d: %w", i, err)
		}
		for j := range gradShared {
			gradShared[j] += g[j]
		}
	}

	if m.Tap != nil {
		gradShared = m.Tap.Backward(gradShared)
	}

	gradInput, err := sequenceBackwardCPU(m.Trunk, m.trunkTape, gradShared, batchSize)
	if err != nil {
		return nil, fmt.Errorf("trunk: %w", err)
	}

	return gradInput, nil
}
