// Package scope derives cache partition keys from connection profiles and
// resolves which profile an operation should run against.
package scope

import (
	"fmt"

	"github.com/arcmux/arcmux/internal/model"
)

// LocalKey partitions every cache entry that belongs to the local tmux
// server.
const LocalKey = "local"

// Effective resolves the profile an operation should use. An explicit
// override wins regardless of the ambient mode; otherwise the ambient
// profile applies only in remote mode. A nil result means "local".
// Returned profiles are deep copies: mutating them never affects the source.
func Effective(mode model.Mode, override, ambient *model.Profile) *model.Profile {
	if override != nil {
		return override.Clone()
	}
	if mode == model.ModeRemote {
		return ambient.Clone()
	}
	return nil
}

// IsRemoteLike reports whether the resolved profile targets a remote host.
func IsRemoteLike(p *model.Profile) bool {
	return p != nil
}

// Key returns the cache partition key for a resolved profile.
func Key(p *model.Profile) string {
	if p == nil {
		return LocalKey
	}
	return fmt.Sprintf("remote:%s@%s:%d", p.User, p.Host, p.EffectivePort())
}
