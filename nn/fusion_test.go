package nn

import (
	"math"
	"testing"
)

// TestFuseGated verifies the gated combiner against hand-computed values
func TestFuseGated(t *testing.T) {
	// 1 example, 2 classes, 2 branches
	// pro layout: (b*classes+c)*branches + i
	pro := []float32{
		1.0, 3.0, // class 0: branch 0 = 1.0, branch 1 = 3.0
		2.0, -1.0, // class 1: branch 0 = 2.0, branch 1 = -1.0
	}
	weights := []float32{0.3, 0.7}

	fused := FuseGated(pro, weights, 1, 2, 2)

	if len(fused) != 2 {
		t.Fatalf("Expected 2 fused values, got %d", len(fused))
	}

	// class 0: 0.3*1.0 + 0.7*3.0 = 2.4
	if math.Abs(float64(fused[0]-2.4)) > 1e-6 {
		t.Errorf("fused[0]: expected 2.4, got %f", fused[0])
	}
	// class 1: 0.3*2.0 + 0.7*(-1.0) = -0.1
	if math.Abs(float64(fused[1]-(-0.1))) > 1e-6 {
		t.Errorf("fused[1]: expected -0.1, got %f", fused[1])
	}
}

// TestFuseGatedBackward verifies both gradient factors of the gated combiner
func TestFuseGatedBackward(t *testing.T) {
	pro := []float32{
		1.0, 3.0,
		2.0, -1.0,
	}
	weights := []float32{0.3, 0.7}
	gradFused := []float32{1.0, 2.0}

	gradPro, gradWeights := fuseGatedBackward(gradFused, pro, weights, 1, 2, 2)

	// dL/dpro[c][i] = gradFused[c] * weights[i]
	wantPro := []float32{0.3, 0.7, 0.6, 1.4}
	for i, want := range wantPro {
		if math.Abs(float64(gradPro[i]-want)) > 1e-6 {
			t.Errorf("gradPro[%d]: expected %f, got %f", i, want, gradPro[i])
		}
	}

	// dL/dw[i] = sum_c gradFused[c] * pro[c][i]
	// w0: 1.0*1.0 + 2.0*2.0 = 5.0; w1: 1.0*3.0 + 2.0*(-1.0) = 1.0
	if math.Abs(float64(gradWeights[0]-5.0)) > 1e-6 {
		t.Errorf("gradWeights[0]: expected 5.0, got %f", gradWeights[0])
	}
	if math.Abs(float64(gradWeights[1]-1.0)) > 1e-6 {
		t.Errorf("gradWeights[1]: expected 1.0, got %f", gradWeights[1])
	}
}

// TestFuseLeaveOneOut verifies that each slot holds the average of the other
// branches' logits
func TestFuseLeaveOneOut(t *testing.T) {
	// 1 example, 1 class, 3 branches with logits 1, 2, 6
	pro := []float32{1.0, 2.0, 6.0}

	fused := FuseLeaveOneOut(pro, 1, 1, 3)

	if len(fused) != 3 {
		t.Fatalf("Expected 3 fused slots, got %d", len(fused))
	}

	// slot 0 = (2+6)/2 = 4, slot 1 = (1+6)/2 = 3.5, slot 2 = (1+2)/2 = 1.5
	want := []float32{4.0, 3.5, 1.5}
	for i, w := range want {
		if math.Abs(float64(fused[i]-w)) > 1e-6 {
			t.Errorf("fused slot %d: expected %f, got %f", i, w, fused[i])
		}
	}
}

// TestFuseLeaveOneOutBackward verifies gradient routing: branch j receives
// the normalized gradient of every slot it contributed to
func TestFuseLeaveOneOutBackward(t *testing.T) {
	// 3 branches, gradient 1 on slot 1 only
	gradFused := []float32{0.0, 1.0, 0.0}

	gradPro := fuseLeaveOneOutBackward(gradFused, 1, 1, 3)

	// slot 1 averages branches 0 and 2 with weight 1/2 each; branch 1 gets 0
	want := []float32{0.5, 0.0, 0.5}
	for i, w := range want {
		if math.Abs(float64(gradPro[i]-w)) > 1e-6 {
			t.Errorf("gradPro[%d]: expected %f, got %f", i, w, gradPro[i])
		}
	}
}

// TestGradScaleTap verifies the identity forward and the 1/K backward
func TestGradScaleTap(t *testing.T) {
	tap := &GradScaleTap{Branches: 4}

	input := []float32{1.5, -2.0, 0.0, 3.25}
	out := tap.Forward(input)

	for i := range input {
		if out[i] != input[i] {
			t.Errorf("Forward changed value at %d: %f vs %f", i, out[i], input[i])
		}
	}

	grad := []float32{4.0, -8.0, 1.0}
	scaled := tap.Backward(grad)

	want := []float32{1.0, -2.0, 0.25}
	for i, w := range want {
		if math.Abs(float64(scaled[i]-w)) > 1e-6 {
			t.Errorf("Backward[%d]: expected %f, got %f", i, w, scaled[i])
		}
	}

	// The original gradient slice must stay untouched
	if grad[0] != 4.0 {
		t.Errorf("Backward modified its input slice")
	}
}
