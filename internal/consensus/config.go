package consensus

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// Config holds the acceptance thresholds applied per field.
type Config struct {
	Defaults DefaultConfig          `yaml:"defaults"`
	Fields   map[string]FieldConfig `yaml:"fields"`
	// SourceConfidence is the confidence assigned to proposals that arrive
	// without one (ProposeField), keyed by source kind.
	SourceConfidence map[model.SourceKind]float64 `yaml:"source_confidence"`
}

// DefaultConfig holds global thresholds.
type DefaultConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	CriticalThreshold   float64 `yaml:"critical_threshold"`
}

// FieldConfig overrides the threshold of one field.
type FieldConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

var defaultSourceConfidence = map[model.SourceKind]float64{
	model.SourceVerifiedDocument:  1.0,
	model.SourceIdentifierDecode:  0.95,
	model.SourceStructuredListing: 0.9,
	model.SourceFreeText:          0.75,
	model.SourceAIInference:       0.7,
}

// NewDefaultConfig returns the built-in thresholds: critical identity fields at
// critical, everything else at def.
func NewDefaultConfig(def, critical float64) *Config {
	if def <= 0 {
		def = 0.70
	}
	if critical <= 0 {
		critical = 0.80
	}
	cfg := &Config{
		Defaults: DefaultConfig{ConfidenceThreshold: def, CriticalThreshold: critical},
		Fields:   make(map[string]FieldConfig),
	}
	cfg.fillSourceConfidence()
	return cfg
}

// LoadConfig reads thresholds from a YAML file. Values missing from the file
// fall back to def and critical.
func LoadConfig(path string, def, critical float64) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: read config %s", path)
	}

	// The YAML has a top-level "consensus" key
	var wrapper struct {
		Consensus Config `yaml:"consensus"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "consensus: parse config")
	}

	cfg := &wrapper.Consensus
	base := NewDefaultConfig(def, critical)
	if cfg.Defaults.ConfidenceThreshold == 0 {
		cfg.Defaults.ConfidenceThreshold = base.Defaults.ConfidenceThreshold
	}
	if cfg.Defaults.CriticalThreshold == 0 {
		cfg.Defaults.CriticalThreshold = base.Defaults.CriticalThreshold
	}
	if cfg.Fields == nil {
		cfg.Fields = make(map[string]FieldConfig)
	}
	for kind := range cfg.SourceConfidence {
		if !kind.Valid() {
			return nil, eris.Errorf("consensus: unknown source kind %q in source_confidence", kind)
		}
	}
	cfg.fillSourceConfidence()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillSourceConfidence() {
	if c.SourceConfidence == nil {
		c.SourceConfidence = make(map[model.SourceKind]float64, len(defaultSourceConfidence))
	}
	for k, v := range defaultSourceConfidence {
		if _, ok := c.SourceConfidence[k]; !ok {
			c.SourceConfidence[k] = v
		}
	}
}

func (c *Config) validate() error {
	check := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return eris.Errorf("consensus: %s threshold %.2f outside [0,1]", name, v)
		}
		return nil
	}
	if err := check("default", c.Defaults.ConfidenceThreshold); err != nil {
		return err
	}
	if err := check("critical", c.Defaults.CriticalThreshold); err != nil {
		return err
	}
	for name, fc := range c.Fields {
		if err := check(name, fc.ConfidenceThreshold); err != nil {
			return err
		}
	}
	return nil
}

// Threshold returns the minimum confidence for field.
func (c *Config) Threshold(field string) float64 {
	if fc, ok := c.Fields[field]; ok && fc.ConfidenceThreshold > 0 {
		return fc.ConfidenceThreshold
	}
	if model.CriticalFields[field] {
		return c.Defaults.CriticalThreshold
	}
	return c.Defaults.ConfidenceThreshold
}

// ConfidenceFor returns the confidence assumed for a proposal of kind.
func (c *Config) ConfidenceFor(kind model.SourceKind) float64 {
	return c.SourceConfidence[kind]
}
