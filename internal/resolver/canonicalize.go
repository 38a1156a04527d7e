package resolver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/module"
)

// canonicalize walks dir, parses every *.bin, and groups the result by
// (platform_name, type, index), applying the ordered tie-breaks of §4.3
// Canonicalization on collision. Returns the grouped map keyed by
// module.Key (platform_id stands in for platform_name — both are unique
// per platform) plus the collected skip/parse warnings.
func (r *Resolver) canonicalize(dir string) (map[module.Key]*module.Module, []error, error) {
	grouped := make(map[module.Key]*module.Module)
	var warnings []error

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".bin") {
			return nil
		}

		m, warning, parseErr := r.Parser.ParseFile(path)
		if parseErr != nil {
			warnings = append(warnings, parseErr)
			return nil
		}
		if warning != nil {
			warnings = append(warnings, warning)
		}
		if m == nil {
			return nil
		}

		key := m.Key()
		existing, collided := grouped[key]
		if !collided {
			grouped[key] = m
			return nil
		}
		if preferCandidate(m, existing) {
			grouped[key] = m
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return grouped, warnings, nil
}

// preferCandidate applies §4.3's ordered tie-break rules for a collision
// between candidate and existing, returning true if candidate should win.
func preferCandidate(candidate, existing *module.Module) bool {
	if candidate.Type == catalog.ModuleUserPart {
		candidateTinker := isTinkerBuild(candidate.FilePath)
		existingTinker := isTinkerBuild(existing.FilePath)
		if candidateTinker != existingTinker {
			return candidateTinker
		}
	}

	if candidate.Version != existing.Version {
		return candidate.Version > existing.Version
	}

	return candidate.FileSize < existing.FileSize
}

func isTinkerBuild(path string) bool {
	return strings.Contains(strings.ToLower(filepath.Base(path)), "tinker")
}
