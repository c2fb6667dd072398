package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/conversation"
	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/services"
	"gopkg.in/yaml.v3"
)

// generatorConfig builds the configured answer generator. The research
// backend is always available as a fallback and as the searcher.
type generatorConfig interface {
	generator(backend services.Backend, systemPrompt string, logger *slog.Logger) (conversation.Generator, error)
}

type config struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	SystemPrompt   string   `yaml:"systemPrompt"`

	Store     storeConfig     `yaml:"store"`
	Backend   backendConfig   `yaml:"backend"`
	Generator generatorConfig `yaml:"generator"`
}

type storeConfig struct {
	// Driver selects the persistence backend: document (default), bolt, or
	// sqlite.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type backendConfig struct {
	BaseURL        string `yaml:"baseURL"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

func (b backendConfig) timeout() time.Duration {
	if b.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.TimeoutSeconds) * time.Second
}

type backendGeneratorConfig struct{}

func (backendGeneratorConfig) generator(
	backend services.Backend, _ string, _ *slog.Logger,
) (conversation.Generator, error) {
	return backend, nil
}

type openAIConfig struct {
	Model   string `yaml:"model"`
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
}

func (o openAIConfig) generator(
	_ services.Backend, systemPrompt string, logger *slog.Logger,
) (conversation.Generator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, logger), nil
}

type ollamaConfig struct {
	Model string `yaml:"model"`
	Host  string `yaml:"host"`
}

func (o ollamaConfig) generator(
	_ services.Backend, systemPrompt string, _ *slog.Logger,
) (conversation.Generator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt), nil
}

func defaultConfig() config {
	return config{
		Port: "8080",
		Backend: backendConfig{
			BaseURL: "http://localhost:8000",
		},
		Store: storeConfig{
			Driver: "document",
		},
		SystemPrompt: "You are a helpful AI research assistant. Use the provided sources to " +
			"answer the user's question and cite them when you do.",
		Generator: backendGeneratorConfig{},
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port           string         `yaml:"port"`
		AllowedOrigins []string       `yaml:"allowedOrigins"`
		SystemPrompt   string         `yaml:"systemPrompt"`
		Store          storeConfig    `yaml:"store"`
		Backend        backendConfig  `yaml:"backend"`
		Generator      map[string]any `yaml:"generator"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	defaults := defaultConfig()

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaults.Port
	}
	c.AllowedOrigins = rawConfig.AllowedOrigins
	c.SystemPrompt = rawConfig.SystemPrompt
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaults.SystemPrompt
	}
	c.Store = rawConfig.Store
	if c.Store.Driver == "" {
		c.Store.Driver = defaults.Store.Driver
	}
	c.Backend = rawConfig.Backend
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = defaults.Backend.BaseURL
	}

	if rawConfig.Generator == nil {
		c.Generator = backendGeneratorConfig{}
		return nil
	}

	provider, _ := rawConfig.Generator["provider"].(string)

	generatorRawYAML, err := yaml.Marshal(rawConfig.Generator)
	if err != nil {
		return err
	}

	switch provider {
	case "", "backend":
		c.Generator = backendGeneratorConfig{}
	case "openai":
		gen := &openAIConfig{}
		if err := yaml.Unmarshal(generatorRawYAML, gen); err != nil {
			return err
		}
		c.Generator = *gen
	case "ollama":
		gen := &ollamaConfig{}
		if err := yaml.Unmarshal(generatorRawYAML, gen); err != nil {
			return err
		}
		c.Generator = *gen
	default:
		return fmt.Errorf("unknown generator provider: %s", provider)
	}

	return nil
}
