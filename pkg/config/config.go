// Package config provides configuration loading and management for ptychogo.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"ptychogo/pkg/interaction"
	"ptychogo/pkg/loss"
	"ptychogo/pkg/reconstruction"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Model parameters used to derive the starting guesses from a dataset
	Model struct {
		// Modes is the number of probe modes
		Modes int `yaml:"modes"`

		// DMRank selects the mixing model: 0 incoherent, -1 full rank
		DMRank int `yaml:"dmRank"`

		// Loss is "amplitude mse" or "poisson nll"
		Loss string `yaml:"loss"`

		// Subpixel is "shift", "lanczos", "bilinear" or "nearest"
		Subpixel string `yaml:"subpixel"`

		// ObjectPadding is the object margin around the scan in pixels
		ObjectPadding int `yaml:"objectPadding"`

		// Padding enlarges the exit wave grid on every side
		Padding int `yaml:"padding"`

		// Oversampling is the number of wave pixels per detector pixel
		Oversampling int `yaml:"oversampling"`

		// ProbeFWHM starts from a Gaussian probe of this size in meters
		// instead of the SHARP style estimate
		ProbeFWHM []float64 `yaml:"probeFWHM,omitempty"`

		// ProbeSupportRadius confines the probe to a disk, in pixels
		ProbeSupportRadius float64 `yaml:"probeSupportRadius"`

		// RandomizeAngle spreads the initial object phase, in radians
		RandomizeAngle float64 `yaml:"randomizeAngle"`

		// TranslationScale multiplies the learned offsets
		TranslationScale float64 `yaml:"translationScale"`

		// AutoCenter centers the grid on the diffraction centroid
		AutoCenter bool `yaml:"autoCenter"`

		// OptForFFT grows the grid to FFT friendly lengths
		OptForFFT bool `yaml:"optForFFT"`

		// ScatteringMode is "transmission" or "reflection"; empty uses the dataset
		ScatteringMode string `yaml:"scatteringMode"`

		// SimulateProbeTranslation adds the probe translation phase ramp
		SimulateProbeTranslation bool `yaml:"simulateProbeTranslation"`
	} `yaml:"model"`

	// Reconstruction loop parameters
	Reconstruction struct {
		// Epochs is the number of passes over the dataset
		Epochs int `yaml:"epochs"`

		// BatchSize is the number of shots per optimizer step
		BatchSize int `yaml:"batchSize"`

		// LR is the learning rate
		LR float64 `yaml:"lr"`

		// Optimizer is "adam", "sgd" or "lbfgs"
		Optimizer string `yaml:"optimizer"`

		// Schedule lowers the learning rate on a loss plateau
		Schedule bool `yaml:"schedule"`

		// TidyEvery orthogonalizes the probe modes every this many epochs
		TidyEvery int `yaml:"tidyEvery"`

		// NumWorkers bounds the concurrently evaluated shots
		NumWorkers int `yaml:"numWorkers"`

		// Seed drives the batch order and the random guesses
		Seed uint64 `yaml:"seed"`

		// Freeze holds parameter groups fixed
		Freeze reconstruction.Freeze `yaml:"freeze"`
	} `yaml:"reconstruction"`

	// Simulation parameters for synthetic datasets
	Simulation struct {
		// Wavelength of the illumination in meters
		Wavelength float64 `yaml:"wavelength"`

		// DetectorShape is the number of detector pixels per axis
		DetectorShape [2]int `yaml:"detectorShape"`

		// DetectorPixel is the detector pixel pitch in meters
		DetectorPixel float64 `yaml:"detectorPixel"`

		// Distance is the sample to detector distance in meters
		Distance float64 `yaml:"distance"`

		// ScanShape is the number of scan positions per axis
		ScanShape [2]int `yaml:"scanShape"`

		// StepSize is the raster step in meters
		StepSize float64 `yaml:"stepSize"`

		// Jitter adds uniform noise of this size to the raster, in meters
		Jitter float64 `yaml:"jitter"`

		// ProbeFWHM is the width of the simulated Gaussian probe in meters
		ProbeFWHM float64 `yaml:"probeFWHM"`

		// Photons scales the patterns to this mean total count; 0 keeps
		// the noiseless intensities
		Photons float64 `yaml:"photons"`
	} `yaml:"simulation"`

	// Output parameters
	Output struct {
		// Dir is where results and images are written
		Dir string `yaml:"dir"`

		// SaveImages writes amplitude and phase images of the results
		SaveImages bool `yaml:"saveImages"`

		// ImageFormat is "png" or "jpeg"
		ImageFormat string `yaml:"imageFormat"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// MetricsAddr serves Prometheus metrics when set, e.g. ":9090"
		MetricsAddr string `yaml:"metricsAddr"`
	} `yaml:"output"`

	// Store parameters
	Store struct {
		// Kind is "memory" or "sqlite"
		Kind string `yaml:"kind"`

		// Path is the database file for the sqlite store
		Path string `yaml:"path"`
	} `yaml:"store"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default model parameters
	cfg.Model.Modes = 1
	cfg.Model.Loss = loss.AmplitudeMSE.String()
	cfg.Model.Subpixel = interaction.ShiftProbe.String()
	cfg.Model.ObjectPadding = reconstruction.DefaultObjectPadding
	cfg.Model.Oversampling = 1
	cfg.Model.TranslationScale = 1

	// Set default reconstruction parameters
	cfg.Reconstruction.Epochs = 50
	cfg.Reconstruction.BatchSize = 15
	cfg.Reconstruction.LR = 0.005
	cfg.Reconstruction.Optimizer = "adam"
	cfg.Reconstruction.NumWorkers = runtime.NumCPU() // Use all available cores by default

	// Set default simulation parameters
	cfg.Simulation.Wavelength = 1e-9
	cfg.Simulation.DetectorShape = [2]int{64, 64}
	cfg.Simulation.DetectorPixel = 55e-6
	cfg.Simulation.Distance = 0.5
	cfg.Simulation.ScanShape = [2]int{8, 8}
	cfg.Simulation.StepSize = 1e-6
	cfg.Simulation.ProbeFWHM = 2e-6

	// Set default output parameters
	cfg.Output.Dir = "results"
	cfg.Output.ImageFormat = "png"
	cfg.Output.Verbose = false

	// Set default store parameters
	cfg.Store.Kind = "sqlite"
	cfg.Store.Path = "ptychogo.db"

	return cfg
}

// Validate checks the values that cannot be defaulted
func (c *Config) Validate() error {
	var errs []error
	if c.Model.Modes < 1 {
		errs = append(errs, fmt.Errorf("model.modes must be at least 1, got %d", c.Model.Modes))
	}
	if c.Model.DMRank > c.Model.Modes {
		errs = append(errs, reconstruction.ErrRankExceedsModes)
	}
	if _, err := loss.ParseKind(c.Model.Loss); err != nil {
		errs = append(errs, err)
	}
	if _, err := interaction.ParseMode(c.Model.Subpixel); err != nil {
		errs = append(errs, err)
	}
	if n := len(c.Model.ProbeFWHM); n != 0 && n != 2 {
		errs = append(errs, fmt.Errorf("model.probeFWHM needs 2 values, got %d", n))
	}
	if c.Reconstruction.Epochs < 0 {
		errs = append(errs, fmt.Errorf("reconstruction.epochs must not be negative"))
	}
	switch c.Output.ImageFormat {
	case "png", "jpeg", "jpg":
	default:
		errs = append(errs, fmt.Errorf("unsupported image format %q", c.Output.ImageFormat))
	}
	return errors.Join(errs...)
}

// ModelOptions converts the model section into FromDataset options
func (c *Config) ModelOptions() (reconstruction.Options, error) {
	mode, err := interaction.ParseMode(c.Model.Subpixel)
	if err != nil {
		return reconstruction.Options{}, err
	}
	opts := reconstruction.Options{
		Modes:                    c.Model.Modes,
		DMRank:                   c.Model.DMRank,
		Loss:                     c.Model.Loss,
		Subpixel:                 mode,
		ObjectPadding:            c.Model.ObjectPadding,
		Padding:                  c.Model.Padding,
		Oversampling:             c.Model.Oversampling,
		RandomizeAngle:           c.Model.RandomizeAngle,
		TranslationScale:         c.Model.TranslationScale,
		AutoCenter:               c.Model.AutoCenter,
		OptForFFT:                c.Model.OptForFFT,
		ScatteringMode:           c.Model.ScatteringMode,
		SimulateProbeTranslation: c.Model.SimulateProbeTranslation,
	}
	if len(c.Model.ProbeFWHM) == 2 {
		opts.ProbeSize = &[2]float64{c.Model.ProbeFWHM[0], c.Model.ProbeFWHM[1]}
	}
	if c.Model.ProbeSupportRadius > 0 {
		r := c.Model.ProbeSupportRadius
		opts.ProbeSupportRadius = &r
	}
	return opts, nil
}

// RunParams converts the reconstruction section into reconstructor
// settings. Logger and metrics are left for the caller.
func (c *Config) RunParams() reconstruction.Params {
	return reconstruction.Params{
		Epochs:    c.Reconstruction.Epochs,
		BatchSize: c.Reconstruction.BatchSize,
		LR:        c.Reconstruction.LR,
		Optimizer: c.Reconstruction.Optimizer,
		Schedule:  c.Reconstruction.Schedule,
		TidyEvery: c.Reconstruction.TidyEvery,
		Workers:   c.Reconstruction.NumWorkers,
		Freeze:    c.Reconstruction.Freeze,
		Seed:      c.Reconstruction.Seed,
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
