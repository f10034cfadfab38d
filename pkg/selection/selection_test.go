package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hangar/pkg/version"
)

func TestParseAndMatch(t *testing.T) {
	tests := []struct {
		expr    string
		match   []string
		noMatch []string
	}{
		{
			expr:    "*",
			match:   []string{"0.0.1", "999.999.999", "1.2.3b4"},
			noMatch: nil,
		},
		{
			expr:    "11.*",
			match:   []string{"11.0.1", "11.55.0"},
			noMatch: []string{"10.0.1", "12.0.0"},
		},
		{
			expr:    "11.5.*",
			match:   []string{"11.5.0a1", "11.5.9"},
			noMatch: []string{"11.4.0", "11.6.0"},
		},
		{
			expr:    "1.0.0-2.0.0",
			match:   []string{"1.0.0", "1.5.3", "2.0.0", "2.0.0a1"},
			noMatch: []string{"0.9.9", "2.0.1"},
		},
		{
			expr:    ">=1.2.0",
			match:   []string{"1.2.0", "2.0.0"},
			noMatch: []string{"1.1.9", "1.2.0a1"},
		},
		{
			expr:    ">1.2.0",
			match:   []string{"1.2.1"},
			noMatch: []string{"1.2.0"},
		},
		{
			expr:    "<=2.0.0",
			match:   []string{"2.0.0", "2.0.0b9", "0.0.1"},
			noMatch: []string{"2.0.1"},
		},
		{
			expr:    "<2.0.0",
			match:   []string{"1.999.999", "2.0.0a1"},
			noMatch: []string{"2.0.0"},
		},
		{
			expr:    "1.2.3",
			match:   []string{"1.2.3"},
			noMatch: []string{"1.2.3a1", "1.2.4"},
		},
		{
			expr:    "1.0.0,2.*",
			match:   []string{"1.0.0", "2.3.4"},
			noMatch: []string{"1.0.1", "3.0.0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := Parse(tt.expr)
			require.NoError(t, err)

			for _, v := range tt.match {
				assert.True(t, e.Matches(version.MustParse(v)), "%s should match %s", tt.expr, v)
			}
			for _, v := range tt.noMatch {
				assert.False(t, e.Matches(version.MustParse(v)), "%s should not match %s", tt.expr, v)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	inputs := []string{
		"",
		",",
		"1.0.0,",
		"**",
		"1.0.*.*",
		"2.0.0-1.0.0",
		">=0.0.0",
		">=abc",
		"~1.0.0",
		"1.0.0 2.0.0",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	inputs := []string{
		"*",
		"11.*",
		"11.5.*",
		"1.0.0-2.0.0",
		">=1.2.0",
		">1.2.0",
		"<=2.0.0",
		"<2.0.0",
		"1.2.3",
		"1.0.0,2.*,>=3.0.0",
		" >= 1.2.0 , 2.* ",
	}

	for _, input := range inputs {
		e, err := Parse(input)
		require.NoError(t, err)

		back, err := Parse(e.String())
		require.NoError(t, err)
		assert.Equal(t, e, back, "parse(format(e)) must equal e for %q", input)
	}
}

func TestIsZero(t *testing.T) {
	var e Expr
	assert.True(t, e.IsZero())

	e, err := Parse("*")
	require.NoError(t, err)
	assert.False(t, e.IsZero())
}
