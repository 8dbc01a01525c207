package extract

import (
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/pkg/anthropic"
)

// BuildOptions carries what the named strategies need.
type BuildOptions struct {
	Platforms       []Platform
	PlatformTimeout time.Duration
	GenericTimeout  time.Duration
	// AIClient may be nil, in which case "ai" is left out.
	AIClient anthropic.Client
	AI       AIOptions
}

// BuildStrategies returns the strategies named in rank order.
func BuildStrategies(names []string, opts BuildOptions) ([]Strategy, error) {
	if opts.Platforms == nil {
		opts.Platforms = DefaultPlatforms()
	}
	out := make([]Strategy, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case "platform":
			out = append(out, NewPlatformStrategy(opts.Platforms, opts.PlatformTimeout))
		case "generic":
			out = append(out, NewGenericStrategy(opts.GenericTimeout))
		case "ai":
			if opts.AIClient == nil {
				zap.L().Warn("extract: ai strategy configured without an api key, skipping")
				continue
			}
			out = append(out, NewAIStrategy(opts.AIClient, opts.AI))
		default:
			return nil, eris.Errorf("extract: unknown strategy %q", name)
		}
	}
	if len(out) == 0 {
		return nil, eris.New("extract: no strategies configured")
	}
	return out, nil
}
