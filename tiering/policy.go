package tiering

import "github.com/chazu/codever/versioning"

// InitialTier returns the tier policy to install as
// versioning.Options.InitialTier. With tiering enabled, versionable methods
// start at Tier0 and everything else at defaultTier.
func InitialTier(enabled bool, defaultTier versioning.OptimizationTier) func(versioning.Method) versioning.OptimizationTier {
	return func(method versioning.Method) versioning.OptimizationTier {
		if enabled && method.IsVersionable() {
			return versioning.Tier0
		}
		return defaultTier
	}
}
