package nn

import (
	"fmt"
)

// MutualNet is the fully independent sibling of the shared-trunk model: K
// complete peer networks, each with its own trunk and head, all reading the
// same input batch. Nothing is shared, so there is no gate, no fusion, and
// no gradient tap; the peers only meet in the stacked output, which keeps
// the [batch][classes][K] contract so downstream mutual-learning losses can
// treat peers and branches alike.
type MutualNet struct {
	Peers []*Model
}

// BuildMutualNet constructs numBranches independent copies of the named
// architecture family. Unknown families and non-positive counts fail here,
// before any peer is built.
func BuildMutualNet(family string, numBranches, numClasses int, dropout float32) (*MutualNet, error) {
	if numBranches < 1 {
		return nil, fmt.Errorf("num_branches must be at least 1, got %d", numBranches)
	}

	peers := make([]*Model, numBranches)
	for i := range peers {
		m, err := BuildModel(ModelConfig{
			Family:      family,
			NumBranches: 1,
			NumClasses:  numClasses,
			Fusion:      FusionIndependent,
			DropoutRate: dropout,
		})
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		peers[i] = m
	}

	return &MutualNet{Peers: peers}, nil
}

// NumBranches returns K, the number of peer networks.
func (n *MutualNet) NumBranches() int {
	return len(n.Peers)
}

// SetTraining toggles training mode on every peer.
func (n *MutualNet) SetTraining(training bool) {
	for _, p := range n.Peers {
		p.SetTraining(training)
	}
}

// ForwardCPU runs the batch through every peer and stacks the logits
// [batch][classes][K], peer i at index i of the trailing axis.
func (n *MutualNet) ForwardCPU(input []float32, batchSize int) ([]float32, error) {
	branches := len(n.Peers)
	classes := n.Peers[0].Config.NumClasses

	out := make([]float32, batchSize*classes*branches)
	for i, p := range n.Peers {
		logits, _, err := p.ForwardCPU(input, batchSize)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}
		for b := 0; b < batchSize; b++ {
			for c := 0; c < classes; c++ {
				out[(b*classes+c)*branches+i] = logits[b*classes+c]
			}
		}
	}

	return out, nil
}

// BackwardCPU splits the stacked gradient per peer and backpropagates each
// peer on its own. The returned input gradient sums the peers'
// contributions, since every peer reads the same batch.
func (n *MutualNet) BackwardCPU(gradPro []float32, batchSize int) ([]float32, error) {
	branches := len(n.Peers)
	classes := n.Peers[0].Config.NumClasses

	if len(gradPro) != batchSize*classes*branches {
		return nil, fmt.Errorf("gradPro size %d, expected %d", len(gradPro), batchSize*classes*branches)
	}

	var gradInput []float32
	peerGrad := make([]float32, batchSize*classes)
	for i, p := range n.Peers {
		for b := 0; b < batchSize; b++ {
			for c := 0; c < classes; c++ {
				peerGrad[b*classes+c] = gradPro[(b*classes+c)*branches+i]
			}
		}

		g, err := p.BackwardCPU(peerGrad, nil, batchSize)
		if err != nil {
			return nil, fmt.Errorf("peer %d: %w", i, err)
		}

		if gradInput == nil {
			gradInput = g
		} else {
			for j := range gradInput {
				gradInput[j] += g[j]
			}
		}
	}

	return gradInput, nil
}

// ZeroGradients clears the accumulated gradients of every peer.
func (n *MutualNet) ZeroGradients() {
	for _, p := range n.Peers {
		p.ZeroGradients()
	}
}

// ApplyGradientsSGD performs one SGD step on every peer.
func (n *MutualNet) ApplyGradientsSGD(learningRate float32) {
	for _, p := range n.Peers {
		p.ApplyGradientsSGD(learningRate)
	}
}

// ParameterCount returns the total learnable parameters over all peers.
func (n *MutualNet) ParameterCount() int {
	total := 0
	for _, p := range n.Peers {
		total += p.ParameterCount()
	}
	return total
}
