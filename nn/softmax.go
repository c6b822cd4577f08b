package nn

import (
	"math"
)

// softmaxRowsCPU applies a max-subtracted softmax independently to each row
// of a [rows][cols] matrix.
func softmaxRowsCPU(input []float32, rows, cols int) []float32 {
	output := make([]float32, len(input))

	for r := 0; r < rows; r++ {
		base := r * cols

		maxVal := input[base]
		for i := 1; i < cols; i++ {
			if input[base+i] > maxVal {
				maxVal = input[base+i]
			}
		}

		sum := float32(0)
		for i := 0; i < cols; i++ {
			e := float32(math.Exp(float64(input[base+i] - maxVal)))
			output[base+i] = e
			sum += e
		}

		inv := 1.0 / sum
		for i := 0; i < cols; i++ {
			output[base+i] *= inv
		}
	}

	return output
}

// softmaxRowsBackwardCPU pulls a gradient back through a row-wise softmax:
// dx_i = p_i * (dy_i - Σ_j dy_j p_j) per row.
func softmaxRowsBackwardCPU(gradOutput, probs []float32, rows, cols int) []float32 {
	gradInput := make([]float32, len(gradOutput))

	for r := 0; r < rows; r++ {
		base := r * cols

		var dot float32
		for i := 0; i < cols; i++ {
			dot += gradOutput[base+i] * probs[base+i]
		}

		for i := 0; i < cols; i++ {
			gradInput[base+i] = probs[base+i] * (gradOutput[base+i] - dot)
		}
	}

	return gradInput
}
