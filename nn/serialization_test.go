package nn

import (
	"path/filepath"
	"testing"
)

// TestSerializeRoundTrip verifies that a restored model reproduces the
// original's outputs exactly
func TestSerializeRoundTrip(t *testing.T) {
	m, err := BuildModel(ModelConfig{
		Family:      "densenetd40k12",
		NumBranches: 2,
		NumClasses:  10,
		Fusion:      FusionGated,
	})
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	input := randomInput(1 * 3 * 32 * 32)
	pro, fused, err := m.ForwardCPU(input, 1)
	if err != nil {
		t.Fatalf("ForwardCPU: %v", err)
	}

	saved, err := m.SerializeModel("cifar10-gated")
	if err != nil {
		t.Fatalf("SerializeModel: %v", err)
	}
	if saved.ID != "cifar10-gated" {
		t.Errorf("Expected ID cifar10-gated, got %s", saved.ID)
	}

	restored, err := DeserializeModel(saved)
	if err != nil {
		t.Fatalf("DeserializeModel: %v", err)
	}

	if restored.Config.NumBranches != 2 || restored.Config.Fusion != FusionGated {
		t.Errorf("Config not preserved: %+v", restored.Config)
	}

	pro2, fused2, err := restored.ForwardCPU(input, 1)
	if err != nil {
		t.Fatalf("Restored ForwardCPU: %v", err)
	}

	if d := MaxAbsDiff(pro, pro2); d > 1e-6 {
		t.Errorf("Per-branch logits diverged after restore: max diff %g", d)
	}
	if d := MaxAbsDiff(fused, fused2); d > 1e-6 {
		t.Errorf("Fused logits diverged after restore: max diff %g", d)
	}
}

// TestSaveLoadFile verifies the on-disk bundle format
func TestSaveLoadFile(t *testing.T) {
	m, err := BuildModel(ModelConfig{
		Family:      "mobilenet_v2",
		NumBranches: 2,
		NumClasses:  10,
		Fusion:      FusionLeaveOneOut,
	})
	if err != nil {
		t.Fatalf("BuildModel: %v", err)
	}

	input := randomInput(1 * 3 * 32 * 32)
	pro, fused, err := m.ForwardCPU(input, 1)
	if err != nil {
		t.Fatalf("ForwardCPU: %v", err)
	}

	path := filepath.Join(t.TempDir(), "model.json")
	if err := m.SaveModel(path, "mv2-loo"); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}

	loaded, err := LoadModel(path)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	pro2, fused2, err := loaded.ForwardCPU(input, 1)
	if err != nil {
		t.Fatalf("Loaded ForwardCPU: %v", err)
	}

	if d := MaxAbsDiff(pro, pro2); d > 1e-6 {
		t.Errorf("Per-branch logits diverged after load: max diff %g", d)
	}
	if d := MaxAbsDiff(fused, fused2); d > 1e-6 {
		t.Errorf("Fused logits diverged after load: max diff %g", d)
	}
}
