package namegen

import (
	"strings"

	vendor "github.com/anandvarma/namegen"
	"github.com/samber/lo"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

const (
	suffixCharset = "bcdfghjklmnpqrstvwxz0123456789"
	suffixLength  = 5

	// Job IDs are used as hostnames by some drivers.
	maxNameLength = 62
)

// AgentName returns a new, unique-enough agent name derived from a template name.
func AgentName(template string) string {
	suffix := lo.RandomString(suffixLength, []rune(suffixCharset))

	// Only [a-z0-9-] is kept, so bytes and runes line up when truncating.
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, strings.ToLower(strings.TrimSpace(template)))
	name = strings.Trim(name, "-")

	if limit := maxNameLength - len(suffix) - 1; len(name) > limit {
		name = strings.TrimRight(name[:limit], "-")
	}

	if name == "" {
		name = "nomad-agent"
	}

	return name + "-" + suffix
}
