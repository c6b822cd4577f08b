package nn

// visitLayers walks a layer stack depth-first, including composite
// sub-layers, calling fn on every config in place.
func visitLayers(layers []LayerConfig, fn func(*LayerConfig)) {
	for i := range layers {
		fn(&layers[i])
		if len(layers[i].Sub) > 0 {
			visitLayers(layers[i].Sub, fn)
		}
	}
}

// visitModelLayers walks every layer the model owns: trunk, all heads, and
// the gate when present.
func (m *Model) visitModelLayers(fn func(*LayerConfig)) {
	visitLayers(m.Trunk, fn)
	for i := range m.Heads {
		visitLayers(m.Heads[i], fn)
	}
	if m.Gate != nil {
		fn(&m.Gate.Pool)
		fn(&m.Gate.Proj)
		fn(&m.Gate.Norm)
	}
}

// ZeroGradients clears every accumulated parameter gradient.
func (m *Model) ZeroGradients() {
	m.visitModelLayers(func(cfg *LayerConfig) {
		zeroSlice(cfg.KernelGrad)
		zeroSlice(cfg.WeightGrad)
		zeroSlice(cfg.BiasGrad)
		zeroSlice(cfg.GammaGrad)
		zeroSlice(cfg.BetaGrad)
	})
}

// ParameterCount returns the total number of learnable parameters.
func (m *Model) ParameterCount() int {
	total := 0
	m.visitModelLayers(func(cfg *LayerConfig) {
		total += len(cfg.Kernel) + len(cfg.Weights) + len(cfg.Bias) + len(cfg.Gamma) + len(cfg.Beta)
	})
	return total
}

// ApplyGradientsSGD performs a plain SGD step, parameter -= lr * gradient,
// on every parameter with an accumulated gradient, then leaves the gradient
// buffers untouched for inspection. Callers drive the schedule.
func (m *Model) ApplyGradientsSGD(learningRate float32) {
	m.visitModelLayers(func(cfg *LayerConfig) {
		sgdStep(cfg.Kernel, cfg.KernelGrad, learningRate)
		sgdStep(cfg.Weights, cfg.WeightGrad, learningRate)
		sgdStep(cfg.Bias, cfg.BiasGrad, learningRate)
		sgdStep(cfg.Gamma, cfg.GammaGrad, learningRate)
		sgdStep(cfg.Beta, cfg.BetaGrad, learningRate)
	})
}

func sgdStep(params, grads []float32, lr float32) {
	if params == nil || grads == nil {
		return
	}
	for i := range params {
		params[i] -= lr * grads[i]
	}
}

func zeroSlice(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
