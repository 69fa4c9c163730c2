package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/swarmgen/internal/protocol"
	"github.com/joho/godotenv"
)

// Keys maps providers to their API keys.
type Keys map[protocol.Provider]string

// EnvKeyNames lists the environment variables consulted per provider;
// Gemini accepts either of its two conventional names.
var EnvKeyNames = map[protocol.Provider][]string{
	protocol.ProviderOpenAI:    {"OPENAI_API_KEY"},
	protocol.ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	protocol.ProviderGemini:    {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	protocol.ProviderRandom:    {"RANDOM_API_KEY"},
}

// LoadKeys reads provider keys from the environment, loading a .env file
// first (current directory, then parent) when one exists. With randomOnly
// set, only the Random provider is configured — no environment access, no
// validation.
func LoadKeys(randomOnly bool) (Keys, error) {
	if randomOnly {
		return Keys{protocol.ProviderRandom: "dummy-test-key"}, nil
	}

	// Missing .env files are the normal case; only explicit env vars are
	// required.
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}

	keys := Keys{}
	for provider, names := range EnvKeyNames {
		for _, name := range names {
			if v := strings.TrimSpace(os.Getenv(name)); v != "" {
				keys[provider] = v
				break
			}
		}
	}

	if err := ValidateKeys(keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// ValidateKeys enforces the per-provider key shape. The Random provider's
// key is a test convenience and is exempt.
func ValidateKeys(keys Keys) error {
	real := 0
	for p := range keys {
		if p != protocol.ProviderRandom {
			real++
		}
	}
	if real == 0 && len(keys) == 0 {
		return fmt.Errorf("no API keys found: set at least one of OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, or run with the random provider")
	}

	for provider, key := range keys {
		switch provider {
		case protocol.ProviderOpenAI:
			if !strings.HasPrefix(key, "sk-") {
				return fmt.Errorf("OPENAI_API_KEY must start with sk-")
			}
		case protocol.ProviderAnthropic:
			if !strings.HasPrefix(key, "sk-ant-") {
				return fmt.Errorf("ANTHROPIC_API_KEY must start with sk-ant-")
			}
		case protocol.ProviderGemini:
			if len(key) < 20 {
				return fmt.Errorf("Google/Gemini API key appears too short")
			}
		case protocol.ProviderRandom:
		}
	}
	return nil
}

// Env renders the keys as KEY=value pairs for a child process environment.
func (k Keys) Env() []string {
	var env []string
	for provider, key := range k {
		names := EnvKeyNames[provider]
		if len(names) > 0 {
			env = append(env, names[0]+"="+key)
		}
	}
	return env
}
