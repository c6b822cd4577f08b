package nn

// Per-branch logits are stacked [batch][classes][branches] row-major:
// branch i of example b, class c sits at (b*classes+c)*branches + i. The
// branch axis order is part of the output contract; downstream losses index
// branches by position.

// FuseGated computes the gated ensemble: for each example and class, the
// branch logits weighted by that example's gate distribution and summed.
// weights is [batch][branches]; the result is [batch][classes].
func FuseGated(pro, weights []float32, batchSize, classes, branches int) []float32 {
	fused := make([]float32, batchSize*classes)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < classes; c++ {
			var sum float32
			for i := 0; i < branches; i++ {
				sum += weights[b*branches+i] * pro[(b*classes+c)*branches+i]
			}
			fused[b*classes+c] = sum
		}
	}

	return fused
}

// fuseGatedBackward splits the fused gradient into its two factors: the
// gradient on the stacked branch logits and the gradient on the gate
// weights.
func fuseGatedBackward(gradFused, pro, weights []float32, batchSize, classes, branches int) (gradPro, gradWeights []float32) {
	gradPro = make([]float32, batchSize*classes*branches)
	gradWeights = make([]float32, batchSize*branches)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < classes; c++ {
			g := gradFused[b*classes+c]
			for i := 0; i < branches; i++ {
				idx := (b*classes+c)*branches + i
				gradPro[idx] = g * weights[b*branches+i]
				gradWeights[b*branches+i] += g * pro[idx]
			}
		}
	}

	return gradPro, gradWeights
}

// FuseLeaveOneOut computes, for each branch i, the plain average of all
// other branches' logits: fused slot i = (1/(K-1)) * sum over j != i.
// The result keeps a branch axis: [batch][classes][branches]. Every slot is
// populated, though mutual-learning losses typically only consult slots
// 1..K-1.
func FuseLeaveOneOut(pro []float32, batchSize, classes, branches int) []float32 {
	fused := make([]float32, batchSize*classes*branches)
	norm := 1.0 / float32(branches-1)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < classes; c++ {
			base := (b*classes + c) * branches

			var total float32
			for j := 0; j < branches; j++ {
				total += pro[base+j]
			}

			for i := 0; i < branches; i++ {
				fused[base+i] = (total - pro[base+i]) * norm
			}
		}
	}

	return fused
}

// fuseLeaveOneOutBackward distributes each fused slot's gradient over the
// branches that contributed to it.
func fuseLeaveOneOutBackward(gradFused []float32, batchSize, classes, branches int) []float32 {
	gradPro := make([]float32, batchSize*classes*branches)
	norm := 1.0 / float32(branches-1)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < classes; c++ {
			base := (b*classes + c) * branches

			var total float32
			for i := 0; i < branches; i++ {
				total += gradFused[base+i]
			}

			for j := 0; j < branches; j++ {
				gradPro[base+j] = (total - gradFused[base+j]) * norm
			}
		}
	}

	return gradPro
}
