package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RunConfig holds every hyper-parameter and path of a training or evaluation run.
// It is populated once at startup (defaults, then an optional YAML file, then flags)
// and treated as read-only after Validate succeeds.
type RunConfig struct {
	Optim       OptimConfig       `yaml:"optim"`
	Model       ModelConfig       `yaml:"model"`
	Loss        LossConfig        `yaml:"loss"`
	Data        DataConfig        `yaml:"data"`
	Run         RunOptions        `yaml:"run"`
	Distributed DistributedConfig `yaml:"distributed"`
	Tracking    TrackingConfig    `yaml:"tracking"`
}

// OptimConfig configures the optimizer and the learning-rate schedule.
type OptimConfig struct {
	LR          float64 `yaml:"lr"`
	LRBackbone  float64 `yaml:"lr_backbone"`
	BatchSize   int     `yaml:"batch_size"`
	WeightDecay float64 `yaml:"weight_decay"`
	Epochs      int     `yaml:"epochs"`
	LRDrop      int     `yaml:"lr_drop"`
	ClipMaxNorm float64 `yaml:"clip_max_norm"`
}

// ModelConfig is passed through to the model backend untouched, apart from
// FrozenWeights and Masks which the scheduler checks itself.
type ModelConfig struct {
	FrozenWeights     string  `yaml:"frozen_weights"`
	Backbone          string  `yaml:"backbone"`
	Dilation          bool    `yaml:"dilation"`
	PositionEmbedding string  `yaml:"position_embedding"`
	EncLayers         int     `yaml:"enc_layers"`
	DecLayers         int     `yaml:"dec_layers"`
	DimFeedforward    int     `yaml:"dim_feedforward"`
	HiddenDim         int     `yaml:"hidden_dim"`
	Dropout           float64 `yaml:"dropout"`
	NHeads            int     `yaml:"nheads"`
	NumQueries        int     `yaml:"num_queries"`
	PreNorm           bool    `yaml:"pre_norm"`
	Masks             bool    `yaml:"masks"`
}

// LossConfig holds matcher costs and loss coefficients.
type LossConfig struct {
	NoAuxLoss               bool    `yaml:"no_aux_loss"`
	SetCostClass            float64 `yaml:"set_cost_class"`
	SetCostBBoxCoordinates  float64 `yaml:"set_cost_bbox_coordinates"`
	SetCostBBoxDimensions   float64 `yaml:"set_cost_bbox_dimensions"`
	SetCostGIoU             float64 `yaml:"set_cost_giou"`
	MaskLossCoef            float64 `yaml:"mask_loss_coef"`
	DiceLossCoef            float64 `yaml:"dice_loss_coef"`
	BBoxCoordinatesLossCoef float64 `yaml:"bbox_coordinates_loss_coef"`
	BBoxDimensionsLossCoef  float64 `yaml:"bbox_dimensions_loss_coef"`
	GIoULossCoef            float64 `yaml:"giou_loss_coef"`
	EOSCoef                 float64 `yaml:"eos_coef"`
}

// AuxLoss reports whether auxiliary decoding losses are enabled.
func (l LossConfig) AuxLoss() bool {
	return !l.NoAuxLoss
}

// DataConfig locates the datasets.
type DataConfig struct {
	DatasetFile      string `yaml:"dataset_file"`
	CocoPath         string `yaml:"coco_path"`
	CocoPanopticPath string `yaml:"coco_panoptic_path"`
	RemoveDifficult  bool   `yaml:"remove_difficult"`
	NumWorkers       int    `yaml:"num_workers"`
}

// RunOptions controls the lifecycle of the run.
type RunOptions struct {
	Backend          string `yaml:"backend"`
	OutputDir        string `yaml:"output_dir"`
	Device           string `yaml:"device"`
	Seed             int64  `yaml:"seed"`
	Resume           string `yaml:"resume"`
	AutoResume       bool   `yaml:"auto_resume"`
	StartEpoch       int    `yaml:"start_epoch"`
	Eval             bool   `yaml:"eval"`
	CheckpointFormat string `yaml:"checkpoint_format"`
	CacheDir         string `yaml:"cache_dir"`
	Verbose          bool   `yaml:"verbose"`
}

// DistributedConfig describes how the process group is formed.
type DistributedConfig struct {
	WorldSize int    `yaml:"world_size"`
	DistURL   string `yaml:"dist_url"`
}

// TrackingConfig configures the external experiment tracking sink.
type TrackingConfig struct {
	URL     string `yaml:"url"`
	Project string `yaml:"project"`
}

// Default returns the configuration used when no file or flag overrides a value.
func Default() *RunConfig {
	return &RunConfig{
		Optim: OptimConfig{
			LR:          1e-4,
			LRBackbone:  1e-5,
			BatchSize:   2,
			WeightDecay: 1e-4,
			Epochs:      300,
			LRDrop:      200,
			ClipMaxNorm: 0.1,
		},
		Model: ModelConfig{
			Backbone:          "resnet50",
			PositionEmbedding: "sine",
			EncLayers:         6,
			DecLayers:         6,
			DimFeedforward:    2048,
			HiddenDim:         256,
			Dropout:           0.1,
			NHeads:            8,
			NumQueries:        100,
		},
		Loss: LossConfig{
			SetCostClass:            1,
			SetCostBBoxCoordinates:  5,
			SetCostBBoxDimensions:   1,
			SetCostGIoU:             2,
			MaskLossCoef:            1,
			DiceLossCoef:            1,
			BBoxCoordinatesLossCoef: 5,
			BBoxDimensionsLossCoef:  1,
			GIoULossCoef:            2,
			EOSCoef:                 0.1,
		},
		Data: DataConfig{
			DatasetFile: "coco",
			NumWorkers:  2,
		},
		Run: RunOptions{
			Backend:          "synthetic",
			Device:           "cuda",
			Seed:             42,
			CheckpointFormat: "proto",
		},
		Distributed: DistributedConfig{
			WorldSize: 1,
			DistURL:   "env://",
		},
		Tracking: TrackingConfig{
			Project: "detr-experiment",
		},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*RunConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *RunConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects mutually exclusive or out-of-range settings. Every failure is a
// *ConfigurationError.
func (c *RunConfig) Validate() error {
	if c.Model.FrozenWeights != "" && !c.Model.Masks {
		return &ConfigurationError{Field: "frozen_weights", Reason: "frozen training is meant for segmentation only, set masks"}
	}
	switch c.Model.PositionEmbedding {
	case "sine", "learned":
	default:
		return &ConfigurationError{Field: "position_embedding", Reason: fmt.Sprintf("unknown embedding %q (want sine or learned)", c.Model.PositionEmbedding)}
	}
	if c.Optim.BatchSize <= 0 {
		return &ConfigurationError{Field: "batch_size", Reason: "must be positive"}
	}
	if c.Optim.LRDrop <= 0 {
		return &ConfigurationError{Field: "lr_drop", Reason: "must be positive"}
	}
	if c.Optim.Epochs < 0 {
		return &ConfigurationError{Field: "epochs", Reason: "must not be negative"}
	}
	if c.Run.StartEpoch < 0 {
		return &ConfigurationError{Field: "start_epoch", Reason: "must not be negative"}
	}
	if c.Data.NumWorkers < 0 {
		return &ConfigurationError{Field: "num_workers", Reason: "must not be negative"}
	}
	if c.Distributed.WorldSize < 1 {
		return &ConfigurationError{Field: "world_size", Reason: "must be at least 1"}
	}
	switch c.Run.CheckpointFormat {
	case "proto", "json":
	default:
		return &ConfigurationError{Field: "checkpoint_format", Reason: fmt.Sprintf("unknown format %q (want proto or json)", c.Run.CheckpointFormat)}
	}
	if c.Distributed.DistURL != "env://" {
		u, err := url.Parse(c.Distributed.DistURL)
		if err != nil || u.Scheme != "tcp" || u.Port() == "" {
			return &ConfigurationError{Field: "dist_url", Reason: fmt.Sprintf("%q is neither env:// nor tcp://host:port", c.Distributed.DistURL)}
		}
	}
	return nil
}

// Snapshot returns the configuration as a generic mapping, the shape stored under
// the "config" key of every checkpoint.
func (c *RunConfig) Snapshot() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
