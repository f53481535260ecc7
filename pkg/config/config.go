// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"arrec/pkg/metadata"

	"gopkg.in/yaml.v2"
)

// Env stores the system configuration.
type Env struct {
	Port       int    `yaml:"port"`
	StorageDir string `yaml:"storageDir"`

	// bcrypt hash of the ingest token. Ingest is unauthenticated if empty.
	IngestTokenHash string `yaml:"ingestTokenHash"`

	// Oldest sessions are deleted while less is free, 0 disables.
	PurgeFreeMB int `yaml:"purgeFreeMB"`

	Audio   Audio   `yaml:"audio"`
	Capture Capture `yaml:"capture"`

	ConfigDir string `yaml:"-"`
}

// Audio optional RTP microphone source.
type Audio struct {
	// Session description of the L16 stream.
	SDP string `yaml:"sdp"`

	// UDP address to receive RTP packets on.
	Listen string `yaml:"listen"`
}

// Enabled true if an audio source is configured.
func (a Audio) Enabled() bool {
	return a.SDP != ""
}

// Capture recording settings.
type Capture struct {
	FPS            int `yaml:"fps"`
	QueueSize      int `yaml:"queueSize"`
	AudioQueueSize int `yaml:"audioQueueSize"`
	JPEGQuality    int `yaml:"jpegQuality"`

	// Record the auxiliary modalities.
	Depth        bool `yaml:"depth"`
	Segmentation bool `yaml:"segmentation"`

	SchemaVersion  int `yaml:"schemaVersion"`
	MinDiskSpaceMB int `yaml:"minDiskSpaceMB"`

	// Clip planes written when the frame has no projection.
	ZNear float32 `yaml:"zNear"`
	ZFar  float32 `yaml:"zFar"`

	// Depth in metres mapped to the full 16 bit range, 0 is millimetres.
	DepthRange float32 `yaml:"depthRange"`
}

// Errors.
var (
	ErrPathNotAbsolute = errors.New("path is not absolute")
	ErrInvalidValue    = errors.New("invalid value")
)

// NewEnv parses env.yaml and fills in defaults.
func NewEnv(envPath string, envYAML []byte) (*Env, error) {
	var env Env
	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.Port == 0 {
		env.Port = 2040
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(filepath.Dir(env.ConfigDir), "storage")
	}
	if env.Audio.SDP != "" && !filepath.IsAbs(env.Audio.SDP) {
		env.Audio.SDP = filepath.Join(env.ConfigDir, env.Audio.SDP)
	}
	if env.Audio.Listen == "" {
		env.Audio.Listen = ":5006"
	}

	c := &env.Capture
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.QueueSize == 0 {
		c.QueueSize = 8
	}
	if c.AudioQueueSize == 0 {
		c.AudioQueueSize = 64
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 85
	}
	if c.SchemaVersion == 0 {
		c.SchemaVersion = metadata.DefaultSchema
	}
	if c.MinDiskSpaceMB == 0 {
		c.MinDiskSpaceMB = 500
	}
	if c.ZNear == 0 {
		c.ZNear = 0.001
	}
	if c.ZFar == 0 {
		c.ZFar = 1000
	}

	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}
	if env.Port < 0 || env.Port > 65535 {
		return nil, fmt.Errorf("port %d: %w", env.Port, ErrInvalidValue)
	}
	if c.FPS < 0 || c.FPS > 240 {
		return nil, fmt.Errorf("capture.fps %d: %w", c.FPS, ErrInvalidValue)
	}
	if env.PurgeFreeMB < 0 {
		return nil, fmt.Errorf("purgeFreeMB %d: %w", env.PurgeFreeMB, ErrInvalidValue)
	}
	if c.QueueSize < 0 || c.AudioQueueSize < 0 || c.MinDiskSpaceMB < 0 {
		return nil, fmt.Errorf("capture: negative size: %w", ErrInvalidValue)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return nil, fmt.Errorf("capture.jpegQuality %d: %w", c.JPEGQuality, ErrInvalidValue)
	}
	if _, err := metadata.LensRecordSize(c.SchemaVersion); err != nil {
		return nil, fmt.Errorf("capture.schemaVersion: %w", err)
	}
	if c.ZNear <= 0 || c.ZFar <= c.ZNear {
		return nil, fmt.Errorf("capture clip planes %v %v: %w", c.ZNear, c.ZFar, ErrInvalidValue)
	}
	if c.DepthRange < 0 {
		return nil, fmt.Errorf("capture.depthRange %v: %w", c.DepthRange, ErrInvalidValue)
	}

	return &env, nil
}

// ReadEnv reads and parses the file at envPath.
func ReadEnv(envPath string) (*Env, error) {
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("read env.yaml: %w", err)
	}
	return NewEnv(envPath, envYAML)
}

// SessionsDir returns the directory sessions are written to.
func (env Env) SessionsDir() string {
	return filepath.Join(env.StorageDir, "sessions")
}

// LogDBPath returns the path of the log database.
func (env Env) LogDBPath() string {
	return filepath.Join(env.StorageDir, "logs.db")
}

// PrepareEnvironment creates the storage directories.
func (env Env) PrepareEnvironment() error {
	err := os.MkdirAll(env.SessionsDir(), 0o755)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create sessions directory: %v: %w", env.SessionsDir(), err)
	}
	return nil
}
