package nn

// GateNetwork maps the shared trunk features to a per-example probability
// distribution over the K branches: global average pool, linear projection
// to K, batch norm, ReLU, softmax. The ReLU ahead of the softmax clamps the
// normalized logits at zero before they are exponentiated; softmax would
// accept the raw values just as well, so keep the ordering stable for
// checkpoint compatibility.
type GateNetwork struct {
	Pool LayerConfig // global average pool over the trunk feature map
	Proj LayerConfig // dense featureChannels -> branches
	Norm LayerConfig // 1D batch norm over the K gate logits
}

// gateState captures one forward pass for backward.
type gateState struct {
	poolState *layerState
	projState *layerState
	normState *layerState
	preReLU   []float32
	probs     []float32
}

// InitGateNetwork builds a gate for a trunk emitting
// [batch][featC][featH][featW] features and K branches.
func InitGateNetwork(featC, featH, featW, branches int) *GateNetwork {
	return &GateNetwork{
		Pool: InitGlobalAvgPoolLayer(featC, featH, featW),
		Proj: InitDenseLayer(featC, branches),
		Norm: InitBatchNorm1DLayer(branches),
	}
}

// ForwardCPU computes the branch mixing weights: one non-negative,
// sum-to-one row of K values per batch element.
func (g *GateNetwork) ForwardCPU(features []float32, batchSize int, training bool) ([]float32, *gateState) {
	st := &gateState{}

	pooled := globalAvgPoolForwardCPU(features, &g.Pool, batchSize)
	st.poolState = &layerState{input: features}

	logits := denseForwardCPU(pooled, &g.Proj, batchSize)
	st.projState = &layerState{input: pooled}

	normed, normState := batchNormForwardCPU(logits, &g.Norm, batchSize, 1, training)
	st.normState = normState
	st.preReLU = normed

	branches := g.Proj.OutputSize
	rectified := make([]float32, len(normed))
	for i, v := range normed {
		rectified[i] = activateCPU(v, ActivationReLU)
	}

	probs := softmaxRowsCPU(rectified, batchSize, branches)
	st.probs = probs

	return probs, st
}

// BackwardCPU pulls the gradient on the mixing weights back to the trunk
// features, accumulating the gate's own weight gradients along the way.
func (g *GateNetwork) BackwardCPU(gradWeights []float32, st *gateState, batchSize int) []float32 {
	branches := g.Proj.OutputSize

	grad := softmaxRowsBackwardCPU(gradWeights, st.probs, batchSize, branches)

	for i := range grad {
		grad[i] *= activateDerivativeCPU(st.preReLU[i], ActivationReLU)
	}

	grad = batchNormBackwardCPU(grad, &g.Norm, st.normState, batchSize, 1)
	grad = denseBackwardCPU(grad, st.projState.input, &g.Proj, batchSize)
	return globalAvgPoolBackwardCPU(grad, &g.Pool, batchSize)
}
