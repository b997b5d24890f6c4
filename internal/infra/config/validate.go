package config

import (
	"fmt"
	"strings"

	"agent-router/internal/domain"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

var validLogFormats = map[string]bool{"text": true, "json": true}

var validEmbeddingProviders = map[string]bool{"openai": true, "ollama": true}

// Validate checks the configuration for invariant violations. It returns
// ErrInvalidConfig with a detail naming every offending field.
func (c *Config) Validate() error {
	var problems []string

	if !validLogLevels[strings.ToLower(c.Logger.Level)] {
		problems = append(problems, fmt.Sprintf("logger.level: unknown level %q", c.Logger.Level))
	}
	if !validLogFormats[strings.ToLower(c.Logger.Format)] {
		problems = append(problems, fmt.Sprintf("logger.format: unknown format %q", c.Logger.Format))
	}

	if c.Router.FailureThreshold < 0 {
		problems = append(problems, "router.failure_threshold: must not be negative")
	}
	if c.Router.SuccessThreshold < 0 {
		problems = append(problems, "router.success_threshold: must not be negative")
	}
	if c.Router.ResetTimeout < 0 {
		problems = append(problems, "router.reset_timeout: must not be negative")
	}
	if c.Router.RequestTimeout < 0 {
		problems = append(problems, "router.request_timeout: must not be negative")
	}

	u := c.Router.Uncertainty
	if u.RecencyWeight < 0 || u.StateWeight < 0 || u.RatioWeight < 0 {
		problems = append(problems, "router.uncertainty: weights must not be negative")
	}
	if sum := u.RecencyWeight + u.StateWeight + u.RatioWeight; sum > 1 {
		problems = append(problems, fmt.Sprintf("router.uncertainty: weights sum to %.2f, must not exceed 1", sum))
	}

	if c.Semantic.TopK < 0 {
		problems = append(problems, "semantic.top_k: must not be negative")
	}
	if c.Semantic.MultiIntentThreshold < 0 || c.Semantic.MultiIntentThreshold > 1 {
		problems = append(problems, "semantic.multi_intent_threshold: must be in [0,1]")
	}

	if !validEmbeddingProviders[c.Embedding.Provider] {
		problems = append(problems, fmt.Sprintf("embedding.provider: unknown provider %q", c.Embedding.Provider))
	}
	if c.Embedding.RateLimit < 0 {
		problems = append(problems, "embedding.rate_limit: must not be negative")
	}

	if c.Snapshot.Enabled && c.Snapshot.Path == "" {
		problems = append(problems, "snapshot.path: required when snapshot is enabled")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, intent := range c.Agents {
		if intent.AgentType == "" {
			problems = append(problems, fmt.Sprintf("agents[%d]: agent_type is required", i))
			continue
		}
		if seen[intent.AgentType] {
			problems = append(problems, fmt.Sprintf("agents[%d]: duplicate agent_type %q", i, intent.AgentType))
		}
		seen[intent.AgentType] = true
		if intent.Description == "" && len(intent.Examples) == 0 && len(intent.Tags) == 0 {
			problems = append(problems, fmt.Sprintf("agents[%d] (%s): needs a description, examples, or tags", i, intent.AgentType))
		}
	}

	if len(problems) > 0 {
		return domain.NewDomainError("config.Validate", domain.ErrInvalidConfig,
			strings.Join(problems, "; "))
	}
	return nil
}
