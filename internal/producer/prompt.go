package producer

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/swarmgen/internal/protocol"
	"github.com/haasonsaas/swarmgen/internal/providers"
)

const (
	// basePromptOverhead estimates the tokens consumed by the prompt
	// scaffolding around the exclusion list.
	basePromptOverhead = 200

	// maxExclusionFraction is the share of the remaining context budget
	// spent on the exclusion list.
	maxExclusionFraction = 0.3

	// minExclusions is always offered when that many seen values exist.
	minExclusions = 10
)

// promptBuilder renders the enhanced prompt: base ask, formatting rules, and
// a provider-sized exclusion list of already-seen values.
type promptBuilder struct{}

// optimalExclusions sizes the exclusion list for a provider and generation
// config: 30% of (context window − requested output − scaffolding overhead),
// converted to words, never below the minimum.
func (promptBuilder) optimalExclusions(p protocol.Provider, cfg protocol.GenerationConfig) int {
	limits := providers.LimitsFor(p)

	contextWindow := limits.ContextWindow
	if cfg.ContextWindow > 0 && cfg.ContextWindow < contextWindow {
		contextWindow = cfg.ContextWindow
	}
	output := cfg.MaxTokens
	if output <= 0 {
		output = limits.MaxOutput
	}

	available := contextWindow - output - basePromptOverhead
	if available < 0 {
		available = 0
	}
	budget := float64(available) * maxExclusionFraction
	words := int(budget / float64(limits.TokensPerWord))
	if words < minExclusions {
		return minExclusions
	}
	return words
}

// build renders the full prompt. seen holds already-discovered values newest
// last; the most recent fit into the budget. uniqueTotal and fpr annotate the
// dedup-system block.
func (b promptBuilder) build(base string, p protocol.Provider, cfg protocol.GenerationConfig, seen []string, uniqueTotal uint64, fpr float64) string {
	requestSize := cfg.RequestSize
	if requestSize <= 0 {
		requestSize = 50
	}

	limit := b.optimalExclusions(p, cfg)
	exclusions := seen
	if len(exclusions) > limit {
		exclusions = exclusions[len(exclusions)-limit:]
	}

	var existing, dedupBlock string
	if len(exclusions) == 0 {
		existing = "None"
	} else {
		var note string
		if len(seen) > len(exclusions) {
			note = fmt.Sprintf("(showing %d most recent of %d total)", len(exclusions), len(seen))
		} else {
			note = fmt.Sprintf("(showing all %d entries)", len(exclusions))
		}
		existing = strings.Join(exclusions, "\n") + "\n" + note

		dedupBlock = fmt.Sprintf(`

DEDUPLICATION SYSTEM ACTIVE:
- %d unique entries already discovered
- Bloom filter tracking with %.1f%% false positive rate
- Exclusion list sized for %s (max tokens: %d, exclusions: %d)
- CRITICAL: avoid ALL entries listed above, including:
  * Exact matches
  * Similar spellings or variations
  * Alternative names for the same item
  * Translations of the same concept
- Generate completely NEW and UNIQUE entries only`,
			uniqueTotal, fpr*100, p, cfg.MaxTokens, len(exclusions))
	}

	return fmt.Sprintf(`Generate %d new entries about: %s

CRITICAL FORMATTING REQUIREMENTS:
- Entries must be strictly alphanumeric (letters and numbers only)
- Entries must be lowercase
- One entry per line
- No punctuation, spaces, or special characters
- Examples: "parismuseum", "tokyotower", "londonbridge"

Only generate canonical names, in English when available. Omit any descriptions of the entries.
Previous entries:
%s%s
Remember:
- Your entries must be entirely unique from the previous
- Entries should be specific
- One entry per line
- Do NOT repeat any previously seen entries, even with slight variations`,
		requestSize, base, existing, dedupBlock)
}
