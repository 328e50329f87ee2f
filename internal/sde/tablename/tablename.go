// Package tablename maps source dataset names to destination table names.
package tablename

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	apperrors "github.com/Adithya-Monish-Kumar-K/sde-sync/pkg/errors"
)

// maxIdentifierLen is the postgres NAMEDATALEN-1 limit.
const maxIdentifierLen = 63

// Names are always quoted when interpolated, so a leading digit is allowed.
var safeIdent = regexp.MustCompile(`^[a-z0-9_]+$`)

// Derive converts a camelCase base name to snake_case. An underscore is
// inserted before each upper-case letter that follows a lower-case letter or
// digit; a leading underscore is kept exactly once.
//
//	mapRegions -> map_regions
//	_sde       -> _sde
func Derive(baseName string) string {
	leading := strings.HasPrefix(baseName, "_")
	trimmed := strings.TrimLeft(baseName, "_")

	var b strings.Builder
	b.Grow(len(trimmed) + 8)
	var prev rune
	for i, r := range trimmed {
		if i > 0 && unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
		prev = r
	}

	if leading {
		return "_" + b.String()
	}
	return b.String()
}

// Validate rejects names that are not plain lower-case identifiers.
func Validate(name string) error {
	if len(name) > maxIdentifierLen {
		return apperrors.Newf(apperrors.ErrUnsafeIdentifier, apperrors.StageImport,
			"%q exceeds %d bytes", name, maxIdentifierLen)
	}
	if !safeIdent.MatchString(name) {
		return apperrors.Newf(apperrors.ErrUnsafeIdentifier, apperrors.StageImport,
			"%q must match %s", name, safeIdent.String())
	}
	return nil
}

// ForFile derives and validates the table name for a source base name.
func ForFile(baseName string) (string, error) {
	name := Derive(baseName)
	if err := Validate(name); err != nil {
		return "", fmt.Errorf("deriving table for %s: %w", baseName, err)
	}
	return name, nil
}
