package nn

import (
	"math/rand"
	"strings"
	"testing"
)

// TestMutualNetShapes verifies the stacked output contract of the
// independent-peers topology
func TestMutualNetShapes(t *testing.T) {
	const (
		batch    = 2
		classes  = 10
		branches = 3
	)

	net, err := BuildMutualNet("densenetd40k12", branches, classes, 0)
	if err != nil {
		t.Fatalf("BuildMutualNet: %v", err)
	}

	if net.NumBranches() != branches {
		t.Errorf("Expected %d peers, got %d", branches, net.NumBranches())
	}

	input := randomInput(batch * 3 * 32 * 32)
	out, err := net.ForwardCPU(input, batch)
	if err != nil {
		t.Fatalf("ForwardCPU: %v", err)
	}

	if len(out) != batch*classes*branches {
		t.Fatalf("Output length %d, expected %d", len(out), batch*classes*branches)
	}
}

// TestMutualNetPeerIndependence verifies that peers own disjoint parameters:
// stacked slots must differ, and no peer shares a trunk with another
func TestMutualNetPeerIndependence(t *testing.T) {
	const (
		batch    = 1
		classes  = 10
		branches = 2
	)

	net, err := BuildMutualNet("densenetd40k12", branches, classes, 0)
	if err != nil {
		t.Fatalf("BuildMutualNet: %v", err)
	}

	input := randomInput(batch * 3 * 32 * 32)
	out, err := net.ForwardCPU(input, batch)
	if err != nil {
		t.Fatalf("ForwardCPU: %v", err)
	}

	peer0 := make([]float32, classes)
	peer1 := make([]float32, classes)
	for c := 0; c < classes; c++ {
		peer0[c] = out[c*branches+0]
		peer1[c] = out[c*branches+1]
	}
	if MaxAbsDiff(peer0, peer1) == 0 {
		t.Error("Peers produced identical logits; they appear to share parameters")
	}

	// Unlike the shared-trunk model, even the first convolution is private
	k0 := net.Peers[0].Trunk[0].Kernel
	k1 := net.Peers[1].Trunk[0].Kernel
	if &k0[0] == &k1[0] {
		t.Error("Peer trunks share a kernel slice")
	}
	if MaxAbsDiff(k0, k1) == 0 {
		t.Error("Peer stem kernels are identical; initialization is not independent")
	}
}

// TestMutualNetErrors verifies fail-fast construction
func TestMutualNetErrors(t *testing.T) {
	if _, err := BuildMutualNet("resnet32", 2, 10, 0); err == nil {
		t.Error("Unknown family should fail at construction")
	} else if !strings.Contains(err.Error(), "unknown architecture family") {
		t.Errorf("Error %q does not name the family problem", err)
	}

	if _, err := BuildMutualNet("densenetd40k12", 0, 10, 0); err == nil {
		t.Error("Zero peers should fail at construction")
	}
}

// TestMutualNetBackward verifies per-peer gradient routing and the summed
// input gradient
func TestMutualNetBackward(t *testing.T) {
	const (
		batch    = 1
		classes  = 4
		branches = 2
	)

	net, err := BuildMutualNet("densenetd40k12", branches, classes, 0)
	if err != nil {
		t.Fatalf("BuildMutualNet: %v", err)
	}

	net.SetTraining(true)
	input := randomInput(batch * 3 * 32 * 32)
	if _, err := net.ForwardCPU(input, batch); err != nil {
		t.Fatalf("ForwardCPU: %v", err)
	}

	// Gradient touching only peer 1's slots
	gradPro := make([]float32, batch*classes*branches)
	for c := 0; c < classes; c++ {
		gradPro[c*branches+1] = float32(rand.NormFloat64())
	}

	net.ZeroGradients()
	gradInput, err := net.BackwardCPU(gradPro, batch)
	if err != nil {
		t.Fatalf("BackwardCPU: %v", err)
	}
	if len(gradInput) != len(input) {
		t.Errorf("Input gradient length %d, expected %d", len(gradInput), len(input))
	}

	// Peer 0 received a zero gradient, so its stem must have accumulated
	// nothing while peer 1's did
	if g := net.Peers[0].Trunk[0].KernelGrad; g != nil {
		for i, v := range g {
			if v != 0 {
				t.Errorf("Peer 0 accumulated gradient %f at %d from peer 1's loss", v, i)
				break
			}
		}
	}
	g1 := net.Peers[1].Trunk[0].KernelGrad
	if g1 == nil {
		t.Fatal("Peer 1 accumulated no gradient")
	}
	nonzero := false
	for _, v := range g1 {
		if v != 0 {
			nonzero = true
			break
		}
	}
	if !nonzero {
		t.Error("Peer 1's stem gradient is all zero")
	}

	if _, err := net.BackwardCPU(gradPro[:3], batch); err == nil {
		t.Error("Short gradient should fail")
	}
}
