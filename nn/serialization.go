package nn

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// ModelBundle represents a collection of saved models
type ModelBundle struct {
	Type    string       `json:"type"`
	Version int          `json:"version"`
	Models  []SavedModel `json:"models"`
}

// SavedModel represents a single saved model with config and weights
type SavedModel struct {
	ID      string         `json:"id"`
	Config  ModelConfig    `json:"cfg"`
	Weights EncodedWeights `json:"weights"`
}

// EncodedWeights stores weights in base64-encoded JSON format
type EncodedWeights struct {
	Format string `json:"fmt"`
	Data   string `json:"data"`
}

// WeightsData captures the full parameter topology: the trunk once, one
// independent copy per branch head, and the gate when present.
type WeightsData struct {
	Type  string           `json:"type"` // "float32"
	Trunk []LayerWeights   `json:"trunk"`
	Heads [][]LayerWeights `json:"heads"`
	Gate  []LayerWeights   `json:"gate,omitempty"`
}

// LayerWeights stores parameters for a single layer. Composite layers nest
// their sub-layer weights recursively.
type LayerWeights struct {
	Kernel      []float32      `json:"kernel,omitempty"`
	Weights     []float32      `json:"weights,omitempty"`
	Bias        []float32      `json:"bias,omitempty"`
	Gamma       []float32      `json:"gamma,omitempty"`
	Beta        []float32      `json:"beta,omitempty"`
	RunningMean []float32      `json:"running_mean,omitempty"`
	RunningVar  []float32      `json:"running_var,omitempty"`
	Sub         []LayerWeights `json:"sub,omitempty"`
}

func collectLayerWeights(layers []LayerConfig) []LayerWeights {
	out := make([]LayerWeights, len(layers))
	for i := range layers {
		cfg := &layers[i]
		out[i] = LayerWeights{
			Kernel:      cfg.Kernel,
			Weights:     cfg.Weights,
			Bias:        cfg.Bias,
			Gamma:       cfg.Gamma,
			Beta:        cfg.Beta,
			RunningMean: cfg.RunningMean,
			RunningVar:  cfg.RunningVar,
		}
		if len(cfg.Sub) > 0 {
			out[i].Sub = collectLayerWeights(cfg.Sub)
		}
	}
	return out
}

func restoreLayerWeights(layers []LayerConfig, saved []LayerWeights) error {
	if len(saved) != len(layers) {
		return fmt.Errorf("layer count mismatch: model has %d, file has %d", len(layers), len(saved))
	}
	for i := range layers {
		cfg := &layers[i]
		if err := restoreSlice(cfg.Kernel, saved[i].Kernel, "kernel", i); err != nil {
			return err
		}
		if err := restoreSlice(cfg.Weights, saved[i].Weights, "weights", i); err != nil {
			return err
		}
		if err := restoreSlice(cfg.Bias, saved[i].Bias, "bias", i); err != nil {
			return err
		}
		if err := restoreSlice(cfg.Gamma, saved[i].Gamma, "gamma", i); err != nil {
			return err
		}
		if err := restoreSlice(cfg.Beta, saved[i].Beta, "beta", i); err != nil {
			return err
		}
		if err := restoreSlice(cfg.RunningMean, saved[i].RunningMean, "running_mean", i); err != nil {
			return err
		}
		if err := restoreSlice(cfg.RunningVar, saved[i].RunningVar, "running_var", i); err != nil {
			return err
		}
		if len(cfg.Sub) > 0 {
			if err := restoreLayerWeights(cfg.Sub, saved[i].Sub); err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
		}
	}
	return nil
}

func restoreSlice(dst, src []float32, name string, layer int) error {
	if len(src) == 0 {
		return nil
	}
	if len(dst) != len(src) {
		return fmt.Errorf("layer %d %s size mismatch: model %d, file %d", layer, name, len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// SerializeModel converts the model to a SavedModel with encoded weights.
func (m *Model) SerializeModel(modelID string) (SavedModel, error) {
	data := WeightsData{
		Type:  "float32",
		Trunk: collectLayerWeights(m.Trunk),
		Heads: make([][]LayerWeights, len(m.Heads)),
	}
	for i := range m.Heads {
		data.Heads[i] = collectLayerWeights(m.Heads[i])
	}
	if m.Gate != nil {
		data.Gate = collectLayerWeights([]LayerConfig{m.Gate.Pool, m.Gate.Proj, m.Gate.Norm})
	}

	weightsJSON, err := json.Marshal(data)
	if err != nil {
		return SavedModel{}, fmt.Errorf("failed to marshal weights: %w", err)
	}

	return SavedModel{
		ID:     modelID,
		Config: m.Config,
		Weights: EncodedWeights{
			Format: "json-base64",
			Data:   base64.StdEncoding.EncodeToString(weightsJSON),
		},
	}, nil
}

// SaveModel saves a single model to a file
func (m *Model) SaveModel(filename string, modelID string) error {
	savedModel, err := m.SerializeModel(modelID)
	if err != nil {
		return fmt.Errorf("failed to serialize model: %w", err)
	}

	bundle := ModelBundle{
		Type:    "plait/bundle",
		Version: 1,
		Models:  []SavedModel{savedModel},
	}

	return bundle.SaveToFile(filename)
}

// SaveToFile writes the bundle as indented JSON
func (b *ModelBundle) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return nil
}

// DeserializeModel rebuilds a model from a SavedModel: the config drives
// construction and the decoded weights overwrite the fresh initialization.
func DeserializeModel(saved SavedModel) (*Model, error) {
	m, err := BuildModel(saved.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild model %s: %w", saved.ID, err)
	}

	weightsJSON, err := base64.StdEncoding.DecodeString(saved.Weights.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}

	var data WeightsData
	if err := json.Unmarshal(weightsJSON, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}

	if err := restoreLayerWeights(m.Trunk, data.Trunk); err != nil {
		return nil, fmt.Errorf("trunk: %w", err)
	}
	if len(data.Heads) != len(m.Heads) {
		return nil, fmt.Errorf("head count mismatch: model has %d, file has %d", len(m.Heads), len(data.Heads))
	}
	for i := range m.Heads {
		if err := restoreLayerWeights(m.Heads[i], data.Heads[i]); err != nil {
			return nil, fmt.Errorf("head %d: %w", i, err)
		}
	}
	if m.Gate != nil {
		gateLayers := []LayerConfig{m.Gate.Pool, m.Gate.Proj, m.Gate.Norm}
		if err := restoreLayerWeights(gateLayers, data.Gate); err != nil {
			return nil, fmt.Errorf("gate: %w", err)
		}
		m.Gate.Pool = gateLayers[0]
		m.Gate.Proj = gateLayers[1]
		m.Gate.Norm = gateLayers[2]
	}

	return m, nil
}

// LoadModel loads the first model from a bundle file
func LoadModel(filename string) (*Model, error) {
	bundle, err := LoadBundle(filename)
	if err != nil {
		return nil, err
	}
	if len(bundle.Models) == 0 {
		return nil, fmt.Errorf("bundle %s contains no models", filename)
	}
	return DeserializeModel(bundle.Models[0])
}

// LoadBundle reads a bundle file without rebuilding its models
func LoadBundle(filename string) (*ModelBundle, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}

	var bundle ModelBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	return &bundle, nil
}
