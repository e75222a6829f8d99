package longread

import (
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func TestOptsCheck(t *testing.T) {
	o := DefaultOpts
	require.NoError(t, o.Check())

	o.ConcordantTemplate = TemplateMedianSubread
	require.NoError(t, o.Check())

	o.ConcordantTemplate = "bestsubread"
	require.Error(t, o.Check())

	o = DefaultOpts
	o.Subsample = 0
	require.Error(t, o.Check())

	o = DefaultOpts
	o.UseCCS = true
	o.UseCCSDeNovo = true
	require.Error(t, o.Check())
}

func TestParseHoleRanges(t *testing.T) {
	h, err := ParseHoleRanges("64,1000-2000,5000")
	require.NoError(t, err)
	expect.EQ(t, h.Contains(64), true)
	expect.EQ(t, h.Contains(65), false)
	expect.EQ(t, h.Contains(1000), true)
	expect.EQ(t, h.Contains(1500), true)
	expect.EQ(t, h.Contains(2000), true)
	expect.EQ(t, h.Contains(2001), false)
	expect.EQ(t, h.Max(), uint32(5000))
	expect.EQ(t, h.String(), "64,1000-2000,5000")

	_, err = ParseHoleRanges("10-2")
	require.Error(t, err)
	_, err = ParseHoleRanges("abc")
	require.Error(t, err)

	empty, err := ParseHoleRanges("")
	require.NoError(t, err)
	expect.EQ(t, empty.Empty(), true)
}

func TestSensitiveProfile(t *testing.T) {
	p := DefaultOpts.Align
	s := p.Sensitive()
	expect.EQ(t, s.NCandidates, 2*p.NCandidates)
	if s.MinMatchLength > p.MinMatchLength {
		t.Errorf("sensitive profile must not require longer matches: %d > %d",
			s.MinMatchLength, p.MinMatchLength)
	}
}
