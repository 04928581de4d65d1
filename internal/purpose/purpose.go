// Package purpose defines research-purpose profiles: the configuration that
// tunes theme granularity, target counts, and merge thresholds for a given
// methodology (broad taxonomy vs. a handful of publication-ready
// constructs). A profile is selected once per extraction request and read
// only thereafter.
package purpose

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Granularity controls how finely themes are split.
type Granularity string

const (
	GranularityLow    Granularity = "low"
	GranularityMedium Granularity = "medium"
	GranularityHigh   Granularity = "high"
)

// LabelFallback selects labeling behavior when the LLM path is rate-limited.
type LabelFallback string

const (
	// FallbackStatistical runs the term-frequency labeler instead of
	// failing the request.
	FallbackStatistical LabelFallback = "statistical"
	// FallbackFail propagates the rate limit to the caller.
	FallbackFail LabelFallback = "fail"
)

// Config parameterizes theme generation, review, and labeling for one
// research purpose.
type Config struct {
	Name string `yaml:"name"`

	// TargetThemeMin/Max bound the final theme count. Falling outside the
	// range is a documented deviation, not a failure.
	TargetThemeMin int `yaml:"target_theme_min"`
	TargetThemeMax int `yaml:"target_theme_max"`

	Granularity Granularity `yaml:"granularity"`

	// SimilarityThreshold is the base cosine similarity at which two
	// candidate themes are considered duplicates.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// Rigor gates how much evidence a theme needs; higher-rigor purposes
	// require more codes per theme before a theme counts.
	Rigor float64 `yaml:"rigor"`

	LabelFallback LabelFallback `yaml:"label_fallback"`

	// BatchSize is the number of sources per code-extraction LLM call.
	BatchSize int `yaml:"batch_size"`

	// MaxConcurrent bounds in-flight model calls for this request.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Built-in profiles.
var builtins = map[string]Config{
	"broad_taxonomy": {
		Name:                "broad_taxonomy",
		TargetThemeMin:      30,
		TargetThemeMax:      80,
		Granularity:         GranularityLow,
		SimilarityThreshold: 0.80,
		Rigor:               0.3,
		LabelFallback:       FallbackStatistical,
		BatchSize:           4,
		MaxConcurrent:       5,
	},
	"focused_constructs": {
		Name:                "focused_constructs",
		TargetThemeMin:      4,
		TargetThemeMax:      8,
		Granularity:         GranularityHigh,
		SimilarityThreshold: 0.60,
		Rigor:               0.8,
		LabelFallback:       FallbackFail,
		BatchSize:           4,
		MaxConcurrent:       5,
	},
	"survey_instrument": {
		Name:                "survey_instrument",
		TargetThemeMin:      8,
		TargetThemeMax:      15,
		Granularity:         GranularityMedium,
		SimilarityThreshold: 0.70,
		Rigor:               0.6,
		LabelFallback:       FallbackStatistical,
		BatchSize:           4,
		MaxConcurrent:       5,
	},
}

// Get returns a built-in profile by name.
func Get(name string) (Config, error) {
	cfg, ok := builtins[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown research purpose %q", name)
	}
	return cfg, nil
}

// Names lists the built-in profile names.
func Names() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	return out
}

// BroadTaxonomy returns the broad-taxonomy profile.
func BroadTaxonomy() Config { return builtins["broad_taxonomy"] }

// FocusedConstructs returns the focused-constructs profile.
func FocusedConstructs() Config { return builtins["focused_constructs"] }

// SurveyInstrument returns the survey-instrument profile.
func SurveyInstrument() Config { return builtins["survey_instrument"] }

// MergeThreshold derives the adaptive similarity threshold Theme Review uses
// when deciding whether two candidate themes are duplicates. High-granularity
// purposes merge more reluctantly (stricter threshold, more surviving
// themes); broad purposes merge more aggressively.
func (c Config) MergeThreshold() float64 {
	t := c.SimilarityThreshold
	switch c.Granularity {
	case GranularityHigh:
		t += 0.10
	case GranularityLow:
		t -= 0.05
	}
	if t > 0.98 {
		t = 0.98
	}
	if t < 0.30 {
		t = 0.30
	}
	return t
}

// AssignThreshold is the looser similarity bar for assigning a code to an
// existing cluster during generation.
func (c Config) AssignThreshold() float64 {
	return c.MergeThreshold() - 0.15
}

// Validate rejects unusable profiles before any work starts.
func (c Config) Validate() error {
	if c.TargetThemeMin <= 0 || c.TargetThemeMax < c.TargetThemeMin {
		return fmt.Errorf("purpose %q: invalid target theme range [%d, %d]", c.Name, c.TargetThemeMin, c.TargetThemeMax)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold >= 1 {
		return fmt.Errorf("purpose %q: similarity threshold %.2f outside (0, 1)", c.Name, c.SimilarityThreshold)
	}
	switch c.Granularity {
	case GranularityLow, GranularityMedium, GranularityHigh:
	default:
		return fmt.Errorf("purpose %q: unknown granularity %q", c.Name, c.Granularity)
	}
	switch c.LabelFallback {
	case FallbackStatistical, FallbackFail:
	default:
		return fmt.Errorf("purpose %q: unknown label fallback %q", c.Name, c.LabelFallback)
	}
	return nil
}

// WithDefaults fills zero values from the broad-taxonomy baseline.
func (c Config) WithDefaults() Config {
	base := builtins["broad_taxonomy"]
	if c.BatchSize <= 0 {
		c.BatchSize = base.BatchSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = base.MaxConcurrent
	}
	if c.Granularity == "" {
		c.Granularity = GranularityMedium
	}
	if c.LabelFallback == "" {
		c.LabelFallback = FallbackStatistical
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = base.SimilarityThreshold
	}
	return c
}

// profilesFile is the YAML shape for user-defined profiles.
type profilesFile struct {
	Profiles []Config `yaml:"profiles"`
}

// LoadProfiles reads additional purpose profiles from a YAML file, returning
// them keyed by name. Unknown YAML fields are rejected so typos in profile
// files surface instead of silently defaulting.
func LoadProfiles(path string) (map[string]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var pf profilesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}

	out := make(map[string]Config, len(pf.Profiles))
	for _, p := range pf.Profiles {
		p = p.WithDefaults()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out[p.Name] = p
	}
	return out, nil
}
