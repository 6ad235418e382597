package mirror

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/rustup-mirror/internal/dist"
)

// BaselineComponent is always carried by a published manifest.
// rustup cannot bootstrap a toolchain without it.
const BaselineComponent = "rust-std"

// Request lists what a mirror should carry.  Values are taken as
// written in the configuration and are checked by Validate.
type Request struct {
	Channels   []string
	Targets    []string
	Platforms  []string
	Components []string

	// Formats maps a target triple to its ordered format strings,
	// e.g. ["msi-only", "xz"].
	Formats map[string][]string

	UpstreamURL string
}

// Scope is a validated Request.
type Scope struct {
	Channels   []dist.Channel
	Targets    map[string]bool
	Platforms  map[string]bool
	Components map[string]bool
	Formats    map[string][]dist.Format
	Upstream   string

	// Warnings are recoverable problems found during validation.
	Warnings []string
}

// InTargets returns true if target binaries are fetched for cross use.
// The wildcard target counts as a requested target.
func (s *Scope) InTargets(target string) bool {
	return target == dist.WildcardTarget || s.Targets[target]
}

// InScope returns true if target stays available in published manifests.
func (s *Scope) InScope(target string) bool {
	return s.InTargets(target) || s.Platforms[target]
}

// SortedPlatforms returns the platforms in lexical order.
func (s *Scope) SortedPlatforms() []string {
	return sortedSet(s.Platforms)
}

// Validate checks every channel, target and format of the request
// against the known vocabularies.  It performs no I/O.
//
// The first violation is returned as a *ConfigError.
func (r *Request) Validate() (*Scope, error) {
	s := &Scope{
		Targets:    make(map[string]bool),
		Platforms:  make(map[string]bool),
		Components: make(map[string]bool),
		Formats:    make(map[string][]dist.Format),
		Upstream:   r.UpstreamURL,
	}
	if s.Upstream == "" {
		s.Upstream = defaultUpstreamURL
	}

	if len(r.Channels) == 0 {
		return nil, &ConfigError{Field: "channels", Err: ErrEmpty}
	}
	seen := make(map[string]bool)
	for _, id := range r.Channels {
		ch, err := dist.ParseChannel(id)
		if err != nil {
			return nil, &ConfigError{Field: "channels", Value: id, Err: errors.Mark(err, ErrUnknownChannel)}
		}
		if seen[ch.ID] {
			continue
		}
		seen[ch.ID] = true
		s.Channels = append(s.Channels, ch)
	}

	for _, t := range r.Targets {
		if !dist.IsKnownTarget(t) {
			return nil, &ConfigError{Field: "targets", Value: t, Err: ErrUnknownTarget}
		}
		s.Targets[t] = true
	}
	for _, t := range r.Platforms {
		if !dist.IsKnownTarget(t) {
			return nil, &ConfigError{Field: "platforms", Value: t, Err: ErrUnknownTarget}
		}
		s.Platforms[t] = true
	}
	if len(s.Targets) == 0 && len(s.Platforms) == 0 {
		return nil, &ConfigError{Field: "targets", Err: ErrEmpty}
	}

	for _, c := range r.Components {
		if c == "" {
			return nil, &ConfigError{Field: "components", Err: ErrEmpty}
		}
		s.Components[c] = true
	}
	s.Components[BaselineComponent] = true

	targets := make([]string, 0, len(r.Formats))
	for t := range r.Formats {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, t := range targets {
		if !dist.IsKnownTarget(t) {
			return nil, &ConfigError{Field: "format_map", Value: t, Err: ErrUnknownTarget}
		}
		for _, raw := range r.Formats[t] {
			f, err := dist.ParseFormat(raw)
			if err != nil {
				return nil, &ConfigError{Field: "formats", Value: raw, Err: errors.Mark(err, ErrInvalidFormat)}
			}
			if family, ok := dist.InstallerFamilyForFormat(f.Kind); ok && !family.Matches(t) {
				if f.Policy == dist.Only {
					return nil, &ConfigError{
						Field: "formats",
						Value: t + ": " + raw,
						Err:   errors.Wrapf(ErrFormatPlatformMismatch, "%s installers need a %s target", f.Kind, family.TargetFragment),
					}
				}
				s.Warnings = append(s.Warnings, fmt.Sprintf("format %s ignored for %s: %s installers need a %s target",
					raw, t, f.Kind, family.TargetFragment))
				continue
			}
			s.Formats[t] = append(s.Formats[t], f)
		}
	}

	return s, nil
}

func sortedSet(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k, ok := range m {
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
