// Package classify assigns a discovered file a Kind from its name and
// extension, independent of filesystem access, following the junk
// patterns and media extension sets the host distributes as part of
// its config (see internal/config).
package classify

import (
	"path/filepath"
	"strings"

	"github.com/medialib/agent/internal/model"
)

// ExtensionSets groups the lowercase, dot-less extensions recognized
// for each media kind. Mirrors the FileTypeRestrictions shape viewra's
// config carries per library type, flattened into one global set since
// the agent has no library-type concept.
type ExtensionSets struct {
	Video    []string
	Image    []string
	Subtitle []string
	XML      []string
}

// Rules bundles everything Classify needs beyond the raw path.
type Rules struct {
	Extensions          ExtensionSets
	JunkPatterns        []string
	JunkExcludeExtensions []string
}

// Result is the outcome of classifying a single file.
type Result struct {
	Kind   model.Kind
	Ext    string
	Reason string
}

type extSet map[string]struct{}

func toSet(exts []string) extSet {
	s := make(extSet, len(exts))
	for _, e := range exts {
		s[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
	}
	return s
}

// Classify determines the Kind of a file from its base name and the
// configured rules. It never touches the filesystem, so it returns the
// same result for the same inputs across calls and processes.
//
// Rule order, per spec: junk pattern match first (unless the
// extension is excluded from junk detection), then media extension
// set membership, else "other".
func Classify(path string, rules Rules) Result {
	base := filepath.Base(path)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(base), "."))

	excluded := toSet(rules.JunkExcludeExtensions)
	if _, isExcluded := excluded[ext]; !isExcluded {
		if pat, matched := matchJunk(base, rules.JunkPatterns); matched {
			return Result{Kind: model.KindJunk, Ext: ext, Reason: pat}
		}
	}

	videoSet := toSet(rules.Extensions.Video)
	imageSet := toSet(rules.Extensions.Image)
	subSet := toSet(rules.Extensions.Subtitle)
	xmlSet := toSet(rules.Extensions.XML)

	switch {
	case has(videoSet, ext):
		return Result{Kind: model.KindVideo, Ext: ext}
	case has(imageSet, ext):
		return Result{Kind: model.KindImage, Ext: ext}
	case has(subSet, ext):
		return Result{Kind: model.KindSubtitle, Ext: ext}
	case has(xmlSet, ext):
		return Result{Kind: model.KindXML, Ext: ext}
	default:
		return Result{Kind: model.KindOther, Ext: ext}
	}
}

func has(set extSet, ext string) bool {
	_, ok := set[ext]
	return ok
}

// matchJunk returns the first junk pattern (shell-glob, case-insensitive)
// that matches name, or ("", false) if none match.
func matchJunk(name string, patterns []string) (string, bool) {
	lower := strings.ToLower(name)
	for _, pat := range patterns {
		ok, err := filepath.Match(strings.ToLower(pat), lower)
		if err == nil && ok {
			return pat, true
		}
	}
	return "", false
}
