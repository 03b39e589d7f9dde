// Package properties loads the pipeline configuration from .env files, the
// environment and command line flags.
package properties

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/andrewGIS/ml-forest-backend/internal/sentinel"
)

// EnvPrefix prefixes every environment variable: CHANGEDET_TILE_SIZE, ...
const EnvPrefix = "CHANGEDET"

// Keys, as used with viper.
const (
	KeyWarpDir       = "warp_dir"
	KeyStackDir      = "stack_dir"
	KeyTilesDir      = "tiles_dir"
	KeyPredictDir    = "predict_dir"
	KeyManifestDir   = "manifest_dir"
	KeyModelPath     = "model_path"
	KeyImagesRoot    = "images_root"
	KeyBandExt       = "band_ext"
	KeyInferenceAddr = "inference_addr"
	KeyWorkers       = "workers"
	KeyTileSize      = "tile_size"
	KeyResolution    = "resolution"
	KeyNominalSize   = "nominal_size"
	KeySampleBand    = "sample_band"
	KeyLogLevel      = "log_level"

	KeyDiscordErrorURL   = "discord_error_notification_url"
	KeyDiscordSuccessURL = "discord_success_notification_url"
)

type Config struct {
	WarpDir     string
	StackDir    string
	TilesDir    string
	PredictDir  string
	ManifestDir string

	ModelPath     string
	ImagesRoot    string
	BandExt       string
	InferenceAddr string

	Workers    int
	TileSize   int
	Resolution float64
	// NominalSize, when non-zero, is the only stacked raster width and height
	// the tiler accepts.
	NominalSize int
	// SampleBand overrides the geometry reference band chosen from Resolution.
	SampleBand string
	LogLevel   string

	DiscordErrorNotificationURL   string
	DiscordSuccessNotificationURL string
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyWarpDir, "processing/temp/warp")
	v.SetDefault(KeyStackDir, "processing/temp/stack")
	v.SetDefault(KeyTilesDir, "processing/temp/tiles")
	v.SetDefault(KeyPredictDir, "processing/temp/predicts")
	v.SetDefault(KeyManifestDir, "processing/temp/runs")
	v.SetDefault(KeyModelPath, "static/AllMyUnet_36.h5")
	v.SetDefault(KeyImagesRoot, "data/aviable_images")
	v.SetDefault(KeyBandExt, sentinel.DefaultExt)
	v.SetDefault(KeyInferenceAddr, "localhost:50051")
	v.SetDefault(KeyWorkers, runtime.NumCPU())
	v.SetDefault(KeyTileSize, 256)
	v.SetDefault(KeyResolution, 20.0)
	v.SetDefault(KeyNominalSize, 0)
	v.SetDefault(KeySampleBand, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyDiscordErrorURL, "")
	v.SetDefault(KeyDiscordSuccessURL, "")
}

// Load reads the first .env file of envFiles that exists into the process
// environment, then resolves every key from v: bound flags first, then
// CHANGEDET_ variables, then defaults. The Discord URLs also accept their
// unprefixed names.
func Load(v *viper.Viper, envFiles ...string) (Config, error) {
	for _, file := range envFiles {
		err := godotenv.Load(file)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, key := range []string{KeyDiscordErrorURL, KeyDiscordSuccessURL} {
		env := strings.ToUpper(key)
		if err := v.BindEnv(key, EnvPrefix+"_"+env, env); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		WarpDir:     v.GetString(KeyWarpDir),
		StackDir:    v.GetString(KeyStackDir),
		TilesDir:    v.GetString(KeyTilesDir),
		PredictDir:  v.GetString(KeyPredictDir),
		ManifestDir: v.GetString(KeyManifestDir),

		ModelPath:     v.GetString(KeyModelPath),
		ImagesRoot:    v.GetString(KeyImagesRoot),
		BandExt:       v.GetString(KeyBandExt),
		InferenceAddr: v.GetString(KeyInferenceAddr),

		Workers:     v.GetInt(KeyWorkers),
		TileSize:    v.GetInt(KeyTileSize),
		Resolution:  v.GetFloat64(KeyResolution),
		NominalSize: v.GetInt(KeyNominalSize),
		SampleBand:  v.GetString(KeySampleBand),
		LogLevel:    v.GetString(KeyLogLevel),

		DiscordErrorNotificationURL:   v.GetString(KeyDiscordErrorURL),
		DiscordSuccessNotificationURL: v.GetString(KeyDiscordSuccessURL),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.TileSize <= 0 {
		errs = append(errs, fmt.Errorf("tile size must be positive, got %d", c.TileSize))
	}
	if c.Resolution <= 0 {
		errs = append(errs, fmt.Errorf("resolution must be positive, got %g", c.Resolution))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.NominalSize < 0 {
		errs = append(errs, fmt.Errorf("nominal size must not be negative, got %d", c.NominalSize))
	}
	for key, dir := range map[string]string{
		KeyWarpDir:     c.WarpDir,
		KeyStackDir:    c.StackDir,
		KeyTilesDir:    c.TilesDir,
		KeyPredictDir:  c.PredictDir,
		KeyManifestDir: c.ManifestDir,
		KeyModelPath:   c.ModelPath,
		KeyImagesRoot:  c.ImagesRoot,
	} {
		if dir == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", key))
		}
	}
	if c.SampleBand != "" {
		if _, err := sentinel.ParseBand(c.SampleBand); err != nil {
			errs = append(errs, err)
		}
	} else if _, err := sentinel.SampleBand(c.Resolution); c.Resolution > 0 && err != nil {
		errs = append(errs, err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Sample returns the band whose grid defines the stacked raster geometry.
func (c Config) Sample() (sentinel.Band, error) {
	if c.SampleBand != "" {
		return sentinel.ParseBand(c.SampleBand)
	}
	return sentinel.SampleBand(c.Resolution)
}

// Logger builds a logrus logger at the configured level.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	return log
}
