// Package sde holds the value types shared by the static-data sync pipeline.
package sde

import "fmt"

// BuildID identifies one upstream static-data snapshot. Build ids are
// compared by equality only.
type BuildID string

func (b BuildID) String() string {
	return string(b)
}

// StagedFile is one extracted dataset awaiting import. Name is the base name
// without extension, Path the location on local storage.
type StagedFile struct {
	Name string
	Path string
}

// Validate rejects build ids that cannot be used safely inside file names
// and URLs.
func (b BuildID) Validate() error {
	s := string(b)
	if s == "" || s == "." || s == ".." {
		return fmt.Errorf("invalid build id %q", s)
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '.' || r == '-' || r == '_') {
			return fmt.Errorf("invalid build id %q: unexpected %q", s, r)
		}
	}
	return nil
}
