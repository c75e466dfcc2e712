package config

import (
	"affectation_service/internal/domain/model"
	"errors"
	"fmt"
	"github.com/spf13/viper"
	"strings"
	"time"
)

const envPrefix = "AFFECT"

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Overpass       OverpassConfig       `mapstructure:"overpass"`
	FeatureService FeatureServiceConfig `mapstructure:"feature_service"`
	Catalog        CatalogConfig        `mapstructure:"catalog"`
	Analysis       AnalysisConfig       `mapstructure:"analysis"`
	Reports        ReportsConfig        `mapstructure:"reports"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// DatabaseConfig enables the PostGIS backend when URL is set.
type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	Schema         string `mapstructure:"schema"`
	GeometryColumn string `mapstructure:"geometry_column"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
}

// OverpassConfig enables the Overpass backend when URL is set.
type OverpassConfig struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

type FeatureServiceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	PageSize int           `mapstructure:"page_size"`
	MaxPages int           `mapstructure:"max_pages"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type CatalogConfig struct {
	// Path is a static CSV or YAML catalog.
	Path string `mapstructure:"path"`
	// DataDir holds file layers; relative file locators resolve against it.
	DataDir string `mapstructure:"data_dir"`
	// DefaultBackend is the discovery source used when no layers are selected:
	// database, file or static.
	DefaultBackend string `mapstructure:"default_backend"`
}

type AnalysisConfig struct {
	MinPercentage        float64       `mapstructure:"min_percentage"`
	MinAbsoluteArea      float64       `mapstructure:"min_absolute_area"`
	TimeoutPerLayer      time.Duration `mapstructure:"timeout_per_layer"`
	Workers              int           `mapstructure:"workers"`
	ClassificationFields []string      `mapstructure:"classification_fields"`
}

type ReportsConfig struct {
	Save bool `mapstructure:"save"`
}

// Options returns the per-call defaults derived from the analysis section.
func (c *Config) Options() model.Options {
	return model.Options{
		MinPercentage:   c.Analysis.MinPercentage,
		MinAbsoluteArea: c.Analysis.MinAbsoluteArea,
		TimeoutPerLayer: c.Analysis.TimeoutPerLayer,
	}
}

func setDefaults(v *viper.Viper) {
	defaults := model.DefaultOptions()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.url", "")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.geometry_column", "geom")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("overpass.url", "")
	v.SetDefault("overpass.timeout", 60*time.Second)
	v.SetDefault("overpass.max_parallel", 2)
	v.SetDefault("feature_service.enabled", true)
	v.SetDefault("feature_service.page_size", 1000)
	v.SetDefault("feature_service.max_pages", 50)
	v.SetDefault("feature_service.timeout", 30*time.Second)
	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.data_dir", "")
	v.SetDefault("catalog.default_backend", "static")
	v.SetDefault("analysis.min_percentage", defaults.MinPercentage)
	v.SetDefault("analysis.min_absolute_area", defaults.MinAbsoluteArea)
	v.SetDefault("analysis.timeout_per_layer", defaults.TimeoutPerLayer)
	v.SetDefault("analysis.workers", 8)
	v.SetDefault("analysis.classification_fields", []string{})
	v.SetDefault("reports.save", false)
}

// Load reads the optional config file, applies AFFECT_* environment
// overrides (AFFECT_DATABASE_URL for database.url) and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Analysis.MinPercentage < 0 || c.Analysis.MinPercentage > 100 {
		errs = append(errs, fmt.Errorf("analysis.min_percentage must be within [0, 100]"))
	}
	if c.Analysis.MinAbsoluteArea < 0 {
		errs = append(errs, fmt.Errorf("analysis.min_absolute_area must not be negative"))
	}
	if c.Analysis.TimeoutPerLayer <= 0 {
		errs = append(errs, fmt.Errorf("analysis.timeout_per_layer must be positive"))
	}
	if c.Analysis.Workers <= 0 {
		errs = append(errs, fmt.Errorf("analysis.workers must be positive"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	switch c.Catalog.DefaultBackend {
	case "static":
		if c.Catalog.Path == "" {
			errs = append(errs, fmt.Errorf("catalog.path is required when catalog.default_backend is static"))
		}
	case "database":
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("database.url is required when catalog.default_backend is database"))
		}
	case "file":
		if c.Catalog.DataDir == "" {
			errs = append(errs, fmt.Errorf("catalog.data_dir is required when catalog.default_backend is file"))
		}
	default:
		errs = append(errs, fmt.Errorf("catalog.default_backend must be static, database or file, got %q", c.Catalog.DefaultBackend))
	}
	if c.FeatureService.PageSize <= 0 || c.FeatureService.MaxPages <= 0 {
		errs = append(errs, fmt.Errorf("feature_service.page_size and max_pages must be positive"))
	}
	return errors.Join(errs...)
}
