package companies

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Acme":                  "acme",
		"Acme Corp":             "acme-corp",
		"  Acme   Corp  ":       "acme-corp",
		"ACME, Inc.":            "acme-inc",
		"Café & Bar":            "caf-bar",
		"--- ":                  "company",
		"":                      "company",
		"42 Degrees":            "42-degrees",
		"O'Neill & Sons (2024)": "o-neill-sons-2024",
	}
	for name, want := range cases {
		assert.Equal(t, want, Slugify(name), "input %q", name)
	}
}

func TestSlugifyDeterministic(t *testing.T) {
	assert.Equal(t, Slugify("Acme Corp"), Slugify("Acme Corp"))
}

func TestSlugifyLength(t *testing.T) {
	long := strings.Repeat("verylongname ", 20)
	s := Slugify(long)
	assert.LessOrEqual(t, len(s), maxSlugLen)
	assert.False(t, strings.HasPrefix(s, "-"))
	assert.False(t, strings.HasSuffix(s, "-"))
}
