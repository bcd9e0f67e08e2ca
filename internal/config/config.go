package config

import (
	"log"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	// Backend endpoints
	APIBaseURL string `env:"KAIRO_API_BASE_URL" envDefault:"http://localhost:3000/api"`
	WSURL      string `env:"KAIRO_WS_URL" envDefault:"ws://localhost:3000/ws"`

	// Simulation
	Role      string `env:"KAIRO_ROLE" envDefault:"HR Executive"`
	Persona   string `env:"KAIRO_PERSONA" envDefault:"Sarah (Manager)"`
	AgentName string `env:"KAIRO_AGENT_NAME" envDefault:"Drew_2a0"`
	DemoToken bool   `env:"KAIRO_DEMO_TOKEN" envDefault:"true"`

	// Storage
	StateFilePath      string `env:"KAIRO_STATE_FILE_PATH" envDefault:"data/state.json"`
	TranscriptFilePath string `env:"KAIRO_TRANSCRIPT_FILE_PATH" envDefault:"logs/transcript.jsonl"`
	CheckpointSpec     string `env:"KAIRO_CHECKPOINT_SPEC" envDefault:"@every 30s"`

	// Observability
	MetricsAddr string `env:"KAIRO_METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`
}

func New() *Config {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	return cfg
}

// Parse reads the configuration from the environment.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
