// Package config loads layered JSONC application configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/chatrelay/chatrelay/pkg/types"
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/chatrelay/)
// 2. Project config (chatrelay.json[c] in the directory)
// 3. CHATRELAY_CONFIG file
// 4. CHATRELAY_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		Persona:  make(map[string]types.PersonaConfig),
	}

	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	// 1. Global config
	if home := os.Getenv("HOME"); home != "" {
		globalDir := filepath.Join(home, ".config", "chatrelay")
		loadOnce(filepath.Join(globalDir, "chatrelay.json"), globalDir)
		loadOnce(filepath.Join(globalDir, "chatrelay.jsonc"), globalDir)
	}

	// 2. Project config
	if directory != "" {
		loadOnce(filepath.Join(directory, "chatrelay.json"), directory)
		loadOnce(filepath.Join(directory, "chatrelay.jsonc"), directory)
	}

	// 3. CHATRELAY_CONFIG file override
	if configPath := os.Getenv("CHATRELAY_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 4. CHATRELAY_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("CHATRELAY_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig types.Config
		if err := json.Unmarshal([]byte(configContent), &inlineConfig); err == nil {
			mergeConfig(config, &inlineConfig)
		}
	}

	// 5. Environment variables (highest priority)
	applyEnvOverrides(config)

	applyDefaults(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	// Apply interpolation
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")

		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.MaxIterations > 0 {
		target.MaxIterations = source.MaxIterations
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	if source.Persona != nil {
		if target.Persona == nil {
			target.Persona = make(map[string]types.PersonaConfig)
		}
		for k, v := range source.Persona {
			target.Persona[k] = v
		}
	}

	if source.Session.IdleTTLSeconds > 0 {
		target.Session.IdleTTLSeconds = source.Session.IdleTTLSeconds
	}
	if source.Session.MaxSessions > 0 {
		target.Session.MaxSessions = source.Session.MaxSessions
	}
	if source.Session.SweepSeconds > 0 {
		target.Session.SweepSeconds = source.Session.SweepSeconds
	}

	if source.Server.Port > 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.EnableCORS {
		target.Server.EnableCORS = true
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if model := os.Getenv("CHATRELAY_MODEL"); model != "" {
		config.Model = model
	}
	if level := os.Getenv("CHATRELAY_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}

// applyDefaults fills unset fields.
func applyDefaults(config *types.Config) {
	if config.Model == "" {
		config.Model = "anthropic/claude-sonnet-4-20250514"
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = 10
	}
	if config.Server.Port <= 0 {
		config.Server.Port = 4747
	}
}
