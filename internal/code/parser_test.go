package code

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWords(t *testing.T) {
	tests := []struct {
		in    string
		typ   Type
		major int
		minor int
		short string
	}{
		{"G1 X10 Y20", TypeG, 1, -1, "G1"},
		{"g28", TypeG, 28, -1, "G28"},
		{"M98 P\"homeall.g\"", TypeM, 98, -1, "M98"},
		{"G29.1", TypeG, 29, 1, "G29.1"},
		{"T2", TypeT, 2, -1, "T2"},
		{"T", TypeT, -1, -1, "T"},
		{"N12 G0 Z5 *71", TypeG, 0, -1, "G0"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, c.Type)
			assert.Equal(t, tt.major, c.Major)
			assert.Equal(t, tt.minor, c.Minor)
			assert.Equal(t, tt.short, c.ShortString())
		})
	}
}

func TestParseParameters(t *testing.T) {
	c, err := Parse(`M550 P"my ""quoted"" printer" S{move.axes[0].max + 1} X-1.5 (inline) Y2 ; trailing`)
	require.NoError(t, err)
	require.Len(t, c.Params, 4)

	p, ok := c.Param('p')
	require.True(t, ok)
	assert.True(t, p.IsString)
	assert.Equal(t, `my "quoted" printer`, p.Value)

	s, _ := c.Param('S')
	assert.True(t, s.IsExpression)
	assert.Equal(t, "{move.axes[0].max + 1}", s.Value)

	assert.Equal(t, "-1.5", c.StringParam('X', ""))
	assert.Equal(t, "trailing", c.Comment)
	assert.Equal(t, `M550 P"my ""quoted"" printer" S{move.axes[0].max + 1} X-1.5 Y2`, c.String())
}

func TestParseCommentsAndKeywords(t *testing.T) {
	c, err := Parse("; layer 2")
	require.NoError(t, err)
	assert.Equal(t, TypeComment, c.Type)
	assert.Equal(t, "layer 2", c.Comment)

	c, err = Parse(`echo "hello" ; note`)
	require.NoError(t, err)
	assert.Equal(t, TypeKeyword, c.Type)
	assert.Equal(t, "echo", c.Keyword)
	assert.Equal(t, `"hello"`, c.Comment)

	c, err = Parse("global x = 1")
	require.NoError(t, err)
	assert.Equal(t, TypeKeyword, c.Type)
	assert.Equal(t, "global", c.Keyword)
}

func TestParseMalformed(t *testing.T) {
	tests := []string{
		`M117 "unterminated`,
		`G1 X{1 + (2`,
		`G1 X1 (open comment`,
		`( never closed`,
		`G X1`,
		`M98 P"` + strings.Repeat("a", MaxFieldLength+1) + `"`,
	}
	for _, in := range tests {
		_, err := Parse(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrMalformedCommand), in)

		var perr *ParseError
		require.True(t, errors.As(err, &perr), in)
		assert.NotNil(t, perr.Code, "partial code must be attached")
	}
}

func TestParserTracksOffsetsAndLines(t *testing.T) {
	src := "G28\r\n\nG1 X1\n; done"
	p := NewParser(strings.NewReader(src))

	c, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.FilePosition)
	assert.Equal(t, int64(5), c.Length)
	assert.Equal(t, int64(1), c.LineNumber)

	c, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, "G1", c.ShortString())
	assert.Equal(t, int64(6), c.FilePosition)
	assert.Equal(t, int64(3), c.LineNumber)

	c, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeComment, c.Type)
	assert.Equal(t, int64(12), c.FilePosition)

	_, err = p.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(len(src)), p.Offset())
}

func TestParserResynchronizesAfterError(t *testing.T) {
	p := NewParser(strings.NewReader("G1 X\"bad\nG1 X2\n"))

	_, err := p.Next()
	require.ErrorIs(t, err, ErrMalformedCommand)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(1), perr.Line)

	c, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", c.StringParam('X', ""))
	assert.Equal(t, int64(2), c.LineNumber)
}

func TestParserResetInvalidatesLine(t *testing.T) {
	src := "G28\nG1 X1\n"
	p := NewParser(strings.NewReader(src))
	p.Reset(strings.NewReader(src[4:]), 4)
	assert.Equal(t, int64(0), p.Line())

	c, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.FilePosition)
	assert.Equal(t, int64(0), c.LineNumber)

	p.Reset(strings.NewReader(src), 0)
	assert.Equal(t, int64(1), p.Line())
}

func TestParserLongLine(t *testing.T) {
	long := "G1 X" + strings.Repeat("1", maxLineLength+10) + "\nG1 X2\n"
	p := NewParser(strings.NewReader(long))

	_, err := p.Next()
	require.ErrorIs(t, err, ErrMalformedCommand)

	c, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", c.StringParam('X', ""))
}
