package producer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractAttributesLines(t *testing.T) {
	response := "goldengatebridge\nbrooklynbridge\ntowerbridge\n"
	attrs := ExtractAttributes(response, 10)
	assert.Equal(t, []string{"goldengatebridge", "brooklynbridge", "towerbridge"}, attrs)
}

func TestExtractAttributesQuotedAndCommaSeparated(t *testing.T) {
	response := `"parismuseum", "tokyotower", londonbridge, berlinwall`
	attrs := ExtractAttributes(response, 10)
	assert.Equal(t, []string{"parismuseum", "tokyotower", "londonbridge", "berlinwall"}, attrs)
}

func TestExtractAttributesFiltersShortTokens(t *testing.T) {
	attrs := ExtractAttributes("ab, cd, validentry, xy", 10)
	assert.Equal(t, []string{"validentry"}, attrs)
}

func TestExtractAttributesFiltersSentinels(t *testing.T) {
	response := "assistant\nuser\nrealvalue\nassistantreply"
	attrs := ExtractAttributes(response, 10)
	assert.Equal(t, []string{"realvalue"}, attrs)
}

func TestExtractAttributesLowercasesAndTrims(t *testing.T) {
	response := "- GoldenGate.\n* Brooklyn,\n  (Tower)"
	attrs := ExtractAttributes(response, 10)
	assert.Equal(t, []string{"goldengate", "brooklyn", "tower"}, attrs)
}

func TestExtractAttributesDeduplicatesInOrder(t *testing.T) {
	response := "alpha\nbeta\nalpha\ngamma\nbeta"
	attrs := ExtractAttributes(response, 10)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, attrs)
}

func TestExtractAttributesTruncates(t *testing.T) {
	response := "one1\ntwo2\nthree3\nfour4\nfive5"
	attrs := ExtractAttributes(response, 3)
	assert.Equal(t, []string{"one1", "two2", "three3"}, attrs)
}

func TestExtractAttributesEmptyResponse(t *testing.T) {
	assert.Empty(t, ExtractAttributes("", 10))
	assert.Empty(t, ExtractAttributes("   \n\n  ", 10))
}
