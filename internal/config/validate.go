package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if strings.TrimSpace(cfg.Server.Secret) == "" {
		return errors.New("server.secret must be set (or HERDVISION_INFERENCE_SECRET)")
	}

	if strings.TrimSpace(cfg.Model.CheckpointPath) == "" {
		return errors.New("model.checkpoint_path must be set")
	}
	if strings.TrimSpace(cfg.Model.ClassMapPath) == "" {
		return errors.New("model.class_map_path must be set")
	}

	if cfg.Postprocess.Temperature <= 0 {
		return fmt.Errorf("postprocess.temperature must be positive, got %v", cfg.Postprocess.Temperature)
	}
	if cfg.Postprocess.KeywordBoost < 0 {
		return fmt.Errorf("postprocess.keyword_boost must not be negative, got %v", cfg.Postprocess.KeywordBoost)
	}
	if cfg.Postprocess.UncertaintyThreshold < 0 || cfg.Postprocess.UncertaintyThreshold > 1 {
		return fmt.Errorf("postprocess.uncertainty_threshold must be in [0,1], got %v", cfg.Postprocess.UncertaintyThreshold)
	}

	if strings.TrimSpace(cfg.Gradcam.OutputDir) == "" {
		return errors.New("gradcam.output_dir must be set")
	}

	if base := strings.TrimSpace(cfg.Artifacts.PublicBaseURL); base != "" {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("artifacts.public_base_url must be an http(s) URL, got %q", base)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Telemetry.Protocol)) {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", cfg.Telemetry.Protocol)
	}
	if cfg.Telemetry.Enabled && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		return errors.New("telemetry.endpoint must be set when telemetry is enabled")
	}

	return nil
}
