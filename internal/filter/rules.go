// Package filter selects candidate files under a source root.
package filter

import (
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
	"gitlab.com/tozd/go/errors"

	"github.com/CrystallineCore/Blazefox/internal/fault"
)

// Rules holds the raw pattern configuration for one run. Empty strings mean
// "no rule of that kind".
type Rules struct {
	IncludeRegex string
	ExcludeRegex string
	IncludeGlob  string
	ExcludeGlob  string

	// HasExtension restricts matching to the file's extension substring
	// (as returned by filepath.Ext) instead of the full name.
	HasExtension bool
}

// Chain is a compiled, reusable rule set.
type Chain struct {
	incRe  *regexp.Regexp
	excRe  *regexp.Regexp
	incPat string
	excPat string
	hasExt bool
}

// Compile validates and compiles the rules. Malformed patterns are a
// validation fault: the run must fail before touching the filesystem.
func (r Rules) Compile() (*Chain, error) {
	c := &Chain{hasExt: r.HasExtension}

	var err error
	if r.IncludeRegex != "" {
		if c.incRe, err = regexp.Compile(r.IncludeRegex); err != nil {
			return nil, errors.Errorf("%w: include regex: %w", fault.ErrValidation, err)
		}
	}
	if r.ExcludeRegex != "" {
		if c.excRe, err = regexp.Compile(r.ExcludeRegex); err != nil {
			return nil, errors.Errorf("%w: exclude regex: %w", fault.ErrValidation, err)
		}
	}
	if r.IncludeGlob != "" {
		if !doublestar.ValidatePattern(r.IncludeGlob) {
			return nil, errors.Errorf("%w: include glob %q", fault.ErrValidation, r.IncludeGlob)
		}
		c.incPat = r.IncludeGlob
	}
	if r.ExcludeGlob != "" {
		if !doublestar.ValidatePattern(r.ExcludeGlob) {
			return nil, errors.Errorf("%w: exclude glob %q", fault.ErrValidation, r.ExcludeGlob)
		}
		c.excPat = r.ExcludeGlob
	}

	return c, nil
}

// Match reports whether a file with the given name is selected.
//
// Exclude always wins: a name matching any exclude rule is rejected even if
// it also matches an include rule. With no include rules configured, every
// non-excluded name passes.
func (c *Chain) Match(name string) bool {
	target := name
	if c.hasExt {
		target = filepath.Ext(name)
	}

	if c.excRe != nil && c.excRe.MatchString(target) {
		return false
	}
	if c.excPat != "" && globMatch(c.excPat, target) {
		return false
	}

	if c.incRe == nil && c.incPat == "" {
		return true
	}
	if c.incRe != nil && c.incRe.MatchString(target) {
		return true
	}
	if c.incPat != "" && globMatch(c.incPat, target) {
		return true
	}
	return false
}

func globMatch(pattern, name string) bool {
	// Pattern was validated at compile time.
	ok, _ := doublestar.Match(pattern, name)
	return ok
}
