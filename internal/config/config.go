package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds Herdvision configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Model       ModelConfig       `yaml:"model"`
	Postprocess PostprocessConfig `yaml:"postprocess"`
	Gradcam     GradcamConfig     `yaml:"gradcam"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`   // HTTP listen address, e.g. ":8001"
	Secret string `yaml:"secret"` // shared secret expected in X-Inference-Secret
}

type ModelConfig struct {
	CheckpointPath  string `yaml:"checkpoint_path"`
	ClassMapPath    string `yaml:"class_map_path"`
	Version         string `yaml:"version"` // reported for live/ONNX modules
	AllowUnsafeLoad bool   `yaml:"allow_unsafe_load"`
}

type PostprocessConfig struct {
	Temperature          float64 `yaml:"temperature"`
	KeywordBoost         float64 `yaml:"keyword_boost"`
	UncertaintyThreshold float64 `yaml:"uncertainty_threshold"`
	TreatmentMapPath     string  `yaml:"treatment_map_path"`
}

type GradcamConfig struct {
	OutputDir string `yaml:"output_dir"` // overlays persisted here, served at /gradcams/
}

type ArtifactsConfig struct {
	ProjectRoot    string `yaml:"project_root"`    // base for relative candidate paths
	PublicBaseURL  string `yaml:"public_base_url"` // inference host base for remote fallback
	SamplePath     string `yaml:"sample_path"`     // last-resort local sample image
	TimeoutSeconds int    `yaml:"timeout_seconds"` // per-candidate HTTP timeout
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
// HERDVISION_INFERENCE_SECRET always overrides the configured secret.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8001",
		},
		Model: ModelConfig{
			CheckpointPath: "models/best_model.json",
			ClassMapPath:   "models/class_map.json",
			Version:        "v0.1.0",
		},
		Postprocess: PostprocessConfig{
			Temperature:          1.0,
			KeywordBoost:         0.18,
			UncertaintyThreshold: 0.5,
			TreatmentMapPath:     "metadata/treatment_map.json",
		},
		Gradcam: GradcamConfig{
			OutputDir: "gradcams",
		},
		Artifacts: ArtifactsConfig{
			TimeoutSeconds: 20,
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8001"
	}
	if cfg.Model.CheckpointPath == "" {
		cfg.Model.CheckpointPath = "models/best_model.json"
	}
	if cfg.Model.ClassMapPath == "" {
		cfg.Model.ClassMapPath = "models/class_map.json"
	}
	if cfg.Model.Version == "" {
		cfg.Model.Version = "v0.1.0"
	}
	if cfg.Postprocess.Temperature == 0 {
		cfg.Postprocess.Temperature = 1.0
	}
	if cfg.Postprocess.KeywordBoost == 0 {
		cfg.Postprocess.KeywordBoost = 0.18
	}
	if cfg.Postprocess.UncertaintyThreshold == 0 {
		cfg.Postprocess.UncertaintyThreshold = 0.5
	}
	if cfg.Postprocess.TreatmentMapPath == "" {
		cfg.Postprocess.TreatmentMapPath = "metadata/treatment_map.json"
	}
	if cfg.Gradcam.OutputDir == "" {
		cfg.Gradcam.OutputDir = "gradcams"
	}
	if cfg.Artifacts.TimeoutSeconds <= 0 {
		cfg.Artifacts.TimeoutSeconds = 20
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HERDVISION_INFERENCE_SECRET"); v != "" {
		cfg.Server.Secret = v
	}
	if v := os.Getenv("HERDVISION_MODEL_VERSION"); v != "" {
		cfg.Model.Version = v
	}
	if os.Getenv("HERDVISION_ALLOW_UNSAFE_LOAD") == "1" {
		cfg.Model.AllowUnsafeLoad = true
	}
}
