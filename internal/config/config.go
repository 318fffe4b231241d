package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Tunables come from a YAML file;
// secrets only from the environment.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	VMS       VMSConfig       `yaml:"vms"`
	Frames    FramesConfig    `yaml:"frames"`
	Detector  DetectorConfig  `yaml:"detector"`
	Occupancy OccupancyConfig `yaml:"occupancy"`
	Reference ReferenceConfig `yaml:"reference"`
	Cache     CacheConfig     `yaml:"cache"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
}

type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metricsAddr"` // empty disables the metrics listener
}

type VMSConfig struct {
	BaseURL    string        `yaml:"baseUrl"`
	Playlist   string        `yaml:"playlist"`   // playlist holding the parking cameras
	TokenCache string        `yaml:"tokenCache"` // file the bearer token is cached in; empty disables
	Timeout    time.Duration `yaml:"timeout"`
	Retries    uint64        `yaml:"retries"` // retries for transient failures

	Login    string `yaml:"-"` // VMS_LOGIN
	Password string `yaml:"-"` // VMS_PASSWORD
}

type FramesConfig struct {
	FFmpeg  string        `yaml:"ffmpeg"`  // ffmpeg binary
	Timeout time.Duration `yaml:"timeout"` // per-camera pull deadline
}

// BackendConfig selects one detector implementation.
type BackendConfig struct {
	Type string `yaml:"type"` // "http" or "onnx"

	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`

	ModelPath   string  `yaml:"modelPath"`
	LibraryPath string  `yaml:"libraryPath"`
	PoolSize    int     `yaml:"poolSize"`
	Confidence  float32 `yaml:"confidence"`
}

type DetectorConfig struct {
	Calibration BackendConfig `yaml:"calibration"`
	Live        BackendConfig `yaml:"live"`
}

type OccupancyConfig struct {
	Threshold      float64  `yaml:"threshold"`
	VehicleClasses []string `yaml:"vehicleClasses"`
}

type ReferenceConfig struct {
	Backend string `yaml:"backend"` // "file" or "postgres"
	Dir     string `yaml:"dir"`

	DatabaseURL string `yaml:"-"` // DATABASE_URL
}

type CacheConfig struct {
	Backend string        `yaml:"backend"` // "memory" or "redis"
	Addr    string        `yaml:"addr"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`

	Password string `yaml:"-"` // REDIS_PASSWORD
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"` // empty disables publishing
	ClientID    string `yaml:"clientId"`
	Username    string `yaml:"username"`
	TopicPrefix string `yaml:"topicPrefix"`

	Password string `yaml:"-"` // MQTT_PASSWORD
}

type ScheduleConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables the periodic evaluation
}

// Default returns a config that runs against a local inference service with
// file-based references.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		VMS: VMSConfig{
			BaseURL:    "https://api.vms.evo73.ru",
			Playlist:   "parking",
			TokenCache: "evo_token.json",
			Timeout:    15 * time.Second,
			Retries:    3,
		},
		Frames: FramesConfig{
			FFmpeg:  "ffmpeg",
			Timeout: 15 * time.Second,
		},
		Detector: DetectorConfig{
			Calibration: BackendConfig{Type: "http", URL: "http://localhost:8000/detect", Timeout: 60 * time.Second},
			Live:        BackendConfig{Type: "http", URL: "http://localhost:8000/detect", Timeout: 30 * time.Second},
		},
		Occupancy: OccupancyConfig{
			Threshold:      0.15,
			VehicleClasses: []string{"car"},
		},
		Reference: ReferenceConfig{
			Backend: "file",
			Dir:     "etalon",
		},
		Cache: CacheConfig{
			Backend: "memory",
			Addr:    "localhost:6379",
			TTL:     20 * time.Minute,
		},
		MQTT: MQTTConfig{
			ClientID:    "parkwatch",
			TopicPrefix: "parkwatch/occupancy",
		},
	}
}

// Load overlays the YAML file at path (if any) on Default, reads secrets from
// the environment and any .env files, and validates the result.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := LoadEnvFiles(envFiles...); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFiles loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.VMS.Login = getEnv("VMS_LOGIN", c.VMS.Login)
	c.VMS.Password = getEnv("VMS_PASSWORD", c.VMS.Password)
	c.VMS.BaseURL = getEnv("VMS_BASE_URL", c.VMS.BaseURL)
	c.Reference.DatabaseURL = getEnv("DATABASE_URL", c.Reference.DatabaseURL)
	c.Cache.Password = getEnv("REDIS_PASSWORD", c.Cache.Password)
	c.Cache.DB = getEnvInt("REDIS_DB", c.Cache.DB)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Occupancy.Threshold <= 0 || c.Occupancy.Threshold > 1 {
		return fmt.Errorf("occupancy.threshold %v outside (0,1]", c.Occupancy.Threshold)
	}
	if len(c.Occupancy.VehicleClasses) == 0 {
		return errors.New("occupancy.vehicleClasses is empty")
	}
	if c.VMS.BaseURL == "" {
		return errors.New("vms.baseUrl is empty")
	}
	if err := c.Detector.Calibration.validate("detector.calibration"); err != nil {
		return err
	}
	if err := c.Detector.Live.validate("detector.live"); err != nil {
		return err
	}

	switch c.Reference.Backend {
	case "file":
		if c.Reference.Dir == "" {
			return errors.New("reference.dir is empty")
		}
	case "postgres":
		if c.Reference.DatabaseURL == "" {
			return errors.New("reference.backend postgres needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown reference.backend %q", c.Reference.Backend)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Addr == "" {
			return errors.New("cache.addr is empty")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	if c.Schedule.Interval < 0 {
		return errors.New("schedule.interval is negative")
	}
	return nil
}

func (b BackendConfig) validate(name string) error {
	switch b.Type {
	case "http":
		if b.URL == "" {
			return fmt.Errorf("%s.url is empty", name)
		}
	case "onnx":
		if b.ModelPath == "" {
			return fmt.Errorf("%s.modelPath is empty", name)
		}
	default:
		return fmt.Errorf("unknown %s.type %q", name, b.Type)
	}
	if b.Confidence < 0 || b.Confidence > 1 {
		return fmt.Errorf("%s.confidence %v outside [0,1]", name, b.Confidence)
	}
	return nil
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}
