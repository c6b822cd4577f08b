package nn

import (
	"math"
)

// activateCPU applies the activation function on CPU
func activateCPU(v float32, activation ActivationType) float32 {
	switch activation {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActivationReLU6:
		if v < 0 {
			return 0
		}
		if v > 6 {
			return 6
		}
		return v
	case ActivationLeakyReLU:
		if v < 0 {
			return v * 0.1
		}
		return v
	case ActivationSigmoid:
		return 1.0 / (1.0 + float32(math.Exp(float64(-v))))
	case ActivationTanh:
		return float32(math.Tanh(float64(v)))
	default:
		return v
	}
}

// activateDerivativeCPU computes the derivative of the activation function
// with respect to the pre-activation value
func activateDerivativeCPU(preActivation float32, activation ActivationType) float32 {
	switch activation {
	case ActivationReLU:
		if preActivation > 0 {
			return 1.0
		}
		return 0
	case ActivationReLU6:
		if preActivation > 0 && preActivation < 6 {
			return 1.0
		}
		return 0
	case ActivationLeakyReLU:
		if preActivation >= 0 {
			return 1.0
		}
		return 0.1
	case ActivationSigmoid:
		sig := 1.0 / (1.0 + float32(math.Exp(float64(-preActivation))))
		return sig * (1.0 - sig)
	case ActivationTanh:
		t := float32(math.Tanh(float64(preActivation)))
		return 1.0 - t*t
	default:
		return 1.0
	}
}
