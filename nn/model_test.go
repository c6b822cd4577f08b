package nn

import (
	"math/rand"
	"strings"
	"testing"
)

func randomInput(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(rand.NormFloat64())
	}
	return v
}

// TestBuildModelValidation verifies that bad configurations fail at build
// time with descriptive errors
func TestBuildModelValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  ModelConfig
		want string
	}{
		{"zero branches", ModelConfig{Family: "densenetd40k12", NumBranches: 0, NumClasses: 10}, "num_branches"},
		{"zero classes", ModelConfig{Family: "densenetd40k12", NumBranches: 2, NumClasses: 0}, "num_classes"},
		{"bad dropout", ModelConfig{Family: "densenetd40k12", NumBranches: 2, NumClasses: 10, DropoutRate: 1.5}, "dropout_rate"},
		{"unknown fusion", ModelConfig{Family: "densenetd40k12", NumBranches: 2, NumClasses: 10, Fusion: "voting"}, "fusion mode"},
		{"loo single branch", ModelConfig{Family: "densenetd40k12", NumBranches: 1, NumClasses: 10, Fusion: FusionLeaveOneOut}, "at least 2 branches"},
		{"unknown family", ModelConfig{Family: "resnet18", NumBranches: 2, NumClasses: 10}, "unknown architecture family"},
	}

	for _, tc := range cases {
		_, err := BuildModel(tc.cfg)
		if err == nil {
			t.Errorf("%s: expected an error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

// TestBuildModelGeometry verifies the trunk output geometry the gate and
// heads are built against
func TestBuildModelGeometry(t *testing.T) {
	m, err := BuildModel(ModelConfig{
		Family:      "densenetd40k12",
		NumBranches: 3,
		NumClasses:  10,
		Fusion:      FusionGated,
	})
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	// 24 stem channels, two shared blocks of 6 layers at growth 12 with
	// 0.5 compression: 24 -> 96 -> 48 -> 120 -> 60, spatially 32 -> 16 -> 8
	if m.FeatChannels != 60 || m.FeatHeight != 8 || m.FeatWidth != 8 {
		t.Errorf("Expected trunk output 60x8x8, got %dx%dx%d", m.FeatChannels, m.FeatHeight, m.FeatWidth)
	}

	if len(m.Heads) != 3 {
		t.Errorf("Expected 3 heads, got %d", len(m.Heads))
	}
	if m.Gate == nil {
		t.Error("Gated model is missing its gate network")
	}
	if m.Tap != nil {
		t.Error("Tap built without grad scaling enabled")
	}

	mv2, err := BuildModel(ModelConfig{
		Family:      "mobilenet_v2",
		NumBranches: 2,
		NumClasses:  10,
	})
	if err != nil {
		t.Fatalf("BuildModel mobilenet_v2: %v", err)
	}
	if mv2.FeatChannels != 320 || mv2.FeatHeight != 8 || mv2.FeatWidth != 8 {
		t.Errorf("Expected trunk output 320x8x8, got %dx%dx%d", mv2.FeatChannels, mv2.FeatHeight, mv2.FeatWidth)
	}
	if mv2.Gate != nil {
		t.Error("Independent model should not build a gate")
	}
}

// TestForwardShapes verifies the output contract of every fusion mode
func TestForwardShapes(t *testing.T) {
	const (
		batch    = 2
		classes  = 10
		branches = 3
	)

	input := randomInput(batch * 3 * 32 * 32)

	for _, mode := range []FusionMode{FusionIndependent, FusionGated, FusionLeaveOneOut} {
		m, err := BuildModel(ModelConfig{
			Family:      "densenetd40k12",
			NumBranches: branches,
			NumClasses:  classes,
			Fusion:      mode,
		})
		if err != nil {
			t.Fatalf("%s: BuildModel: %v", mode, err)
		}

		pro, fused, err := m.ForwardCPU(input, batch)
		if err != nil {
			t.Fatalf("%s: ForwardCPU: %v", mode, err)
		}

		if len(pro) != batch*classes*branches {
			t.Errorf("%s: pro length %d, expected %d", mode, len(pro), batch*classes*branches)
		}

		switch mode {
		case FusionIndependent:
			if fused != nil {
				t.Errorf("independent mode produced a fused output")
			}
		case FusionGated:
			if len(fused) != batch*classes {
				t.Errorf("gated: fused length %d, expected %d", len(fused), batch*classes)
			}
		case FusionLeaveOneOut:
			if len(fused) != batch*classes*branches {
				t.Errorf("leave-one-out: fused length %d, expected %d", len(fused), batch*classes*branches)
			}
		}
	}
}

// TestSingleBranch verifies the K=1 degenerate case: the branch axis is a
// singleton and independent mode works
func TestSingleBranch(t *testing.T) {
	m, err := BuildModel(ModelConfig{
		Family:      "densenetd40k12",
		NumBranches: 1,
		NumClasses:  10,
	})
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	input := randomInput(1 * 3 * 32 * 32)
	pro, fused, err := m.ForwardCPU(input, 1)
	if err != nil {
		t.Fatalf("ForwardCPU: %v", err)
	}

	if len(pro) != 10 {
		t.Errorf("Expected 10 logits with a singleton branch axis, got %d", len(pro))
	}
	if fused != nil {
		t.Errorf("Independent single branch should not fuse")
	}
}

// TestHeadIndependence verifies that structurally identical heads carry
// independent parameters: the same trunk features must produce different
// logits per branch
func TestHeadIndependence(t *testing.T) {
	const (
		batch    = 1
		classes  = 10
		branches = 2
	)

	m, err := BuildModel(ModelConfig{
		Family:      "densenetd40k12",
		NumBranches: branches,
		NumClasses:  classes,
	})
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	input := randomInput(batch * 3 * 32 * 32)
	pro, _, err := m.ForwardCPU(input, batch)
	if err != nil {
		t.Fatalf("ForwardCPU: %v", err)
	}

	branch0 := make([]float32, classes)
	branch1 := make([]float32, classes)
	for c := 0; c < classes; c++ {
		branch0[c] = pro[c*branches+0]
		branch1[c] = pro[c*branches+1]
	}

	if MaxAbsDiff(branch0, branch1) == 0 {
		t.Error("Branches produced identical logits; heads appear to share parameters")
	}
}

// TestBackwardAndSGD verifies a full training step: backward produces an
// input-sized gradient, gradients accumulate, and an SGD step moves the
// forward output
func TestBackwardAndSGD(t *testing.T) {
	const (
		batch    = 2
		classes  = 4
		branches = 2
	)

	m, err := BuildModel(ModelConfig{
		Family:      "densenetd40k12",
		NumBranches: branches,
		NumClasses:  classes,
		Fusion:      FusionGated,
		GradScaling: true,
	})
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	if m.Tap == nil || m.Tap.Branches != branches {
		t.Fatal("Grad scaling tap missing or misconfigured")
	}

	m.SetTraining(true)
	input := randomInput(batch * 3 * 32 * 32)

	pro, fused, err := m.ForwardCPU(input, batch)
	if err != nil {
		t.Fatalf("ForwardCPU: %v", err)
	}

	gradPro := make([]float32, len(pro))
	for i := range gradPro {
		gradPro[i] = float32(rand.NormFloat64()) * 0.1
	}
	gradFused := make([]float32, len(fused))
	for i := range gradFused {
		gradFused[i] = float32(rand.NormFloat64()) * 0.1
	}

	m.ZeroGradients()
	gradInput, err := m.BackwardCPU(gradPro, gradFused, batch)
	if err != nil {
		t.Fatalf("BackwardCPU: %v", err)
	}

	if len(gradInput) != len(input) {
		t.Errorf("Input gradient length %d, expected %d", len(gradInput), len(input))
	}

	if m.ParameterCount() <= 0 {
		t.Error("ParameterCount should be positive")
	}

	m.SetTraining(false)
	before, _, err := m.ForwardCPU(input, batch)
	if err != nil {
		t.Fatalf("ForwardCPU before step: %v", err)
	}

	m.ApplyGradientsSGD(0.1)

	after, _, err := m.ForwardCPU(input, batch)
	if err != nil {
		t.Fatalf("ForwardCPU after step: %v", err)
	}

	if MaxAbsDiff(before, after) == 0 {
		t.Error("SGD step did not change the forward output")
	}
}

// TestBackwardErrors verifies the backward precondition checks
func TestBackwardErrors(t *testing.T) {
	m, err := BuildModel(ModelConfig{
		Family:      "densenetd40k12",
		NumBranches: 2,
		NumClasses:  4,
	})
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	if _, err := m.BackwardCPU(nil, nil, 1); err == nil {
		t.Error("Backward before any forward should fail")
	}

	input := randomInput(1 * 3 * 32 * 32)
	if _, _, err := m.ForwardCPU(input, 1); err != nil {
		t.Fatalf("ForwardCPU: %v", err)
	}

	// Independent mode has nothing fused to differentiate
	if _, err := m.BackwardCPU(nil, []float32{1, 2, 3, 4}, 1); err == nil {
		t.Error("Fused gradient in independent mode should fail")
	}

	// Wrong input size is rejected up front
	if _, _, err := m.ForwardCPU(input[:10], 1); err == nil {
		t.Error("Short input should fail")
	}
}

// TestFamilies verifies the registered architecture catalog
func TestFamilies(t *testing.T) {
	families := Families()

	want := []string{"densenet121", "densenetd100k12", "densenetd100k40", "densenetd40k12", "mobilenet_v2"}
	if len(families) != len(want) {
		t.Fatalf("Expected %d families, got %d: %v", len(want), len(families), families)
	}
	for i, name := range want {
		if families[i] != name {
			t.Errorf("families[%d]: expected %s, got %s", i, name, families[i])
		}
	}
}

// TestMobileNetV2HeadDropout verifies the classifier's dropout rate: 0.2
// unless the config picks one
func TestMobileNetV2HeadDropout(t *testing.T) {
	findDropRate := func(head []LayerConfig) (float32, bool) {
		for i := range head {
			if head[i].Type == LayerDropout {
				return head[i].DropRate, true
			}
		}
		return 0, false
	}

	m, err := BuildModel(ModelConfig{Family: "mobilenet_v2", NumBranches: 1, NumClasses: 10})
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	rate, ok := findDropRate(m.Heads[0])
	if !ok {
		t.Fatal("mobilenet_v2 head has no dropout layer")
	}
	if rate != 0.2 {
		t.Errorf("Default head dropout: expected 0.2, got %g", rate)
	}

	m, err = BuildModel(ModelConfig{Family: "mobilenet_v2", NumBranches: 1, NumClasses: 10, DropoutRate: 0.5})
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}
	rate, _ = findDropRate(m.Heads[0])
	if rate != 0.5 {
		t.Errorf("Configured head dropout: expected 0.5, got %g", rate)
	}
}

// TestMakeDivisible verifies channel rounding
func TestMakeDivisible(t *testing.T) {
	cases := []struct {
		v    float64
		want int
	}{
		{32, 32},
		{33, 32},
		{36, 40},
		{3, 8},
		{91, 88},
	}
	for _, tc := range cases {
		if got := makeDivisible(tc.v, 8); got != tc.want {
			t.Errorf("makeDivisible(%v, 8): expected %d, got %d", tc.v, tc.want, got)
		}
	}
}
