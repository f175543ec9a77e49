package code

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxFieldLength bounds a single parameter value or comment.
const MaxFieldLength = 255

// maxLineLength bounds a raw line; longer lines are consumed and reported as malformed.
const maxLineLength = 4096

// Parser turns a byte stream into codes, one per non-blank line.
type Parser struct {
	r        *bufio.Reader
	offset   int64
	line     int64
	lineOK   bool
	overflow bool
}

// NewParser returns a parser positioned at offset 0, line 1.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReaderSize(r, maxLineLength), line: 1, lineOK: true}
}

// Reset discards buffered input and continues from r at the given offset.
// The line counter restarts at 1 for offset 0 and is unknown otherwise.
func (p *Parser) Reset(r io.Reader, offset int64) {
	p.r.Reset(r)
	p.offset = offset
	p.overflow = false
	if offset == 0 {
		p.line, p.lineOK = 1, true
	} else {
		p.line, p.lineOK = 0, false
	}
}

// Offset returns the byte offset of the next unread line.
func (p *Parser) Offset() int64 {
	return p.offset
}

// Line returns the number of the next line, or 0 when unknown.
func (p *Parser) Line() int64 {
	if !p.lineOK {
		return 0
	}
	return p.line
}

// Next returns the next code. Blank lines are skipped. At end of stream it
// returns io.EOF. A *ParseError leaves the parser at the following line.
func (p *Parser) Next() (*Code, error) {
	c := New(0)
	if err := p.NextInto(c); err != nil {
		return nil, err
	}
	return c, nil
}

// NextInto behaves like Next but fills c, which is reset first. Pooled
// codes are recycled this way.
func (p *Parser) NextInto(c *Code) error {
	for {
		raw, err := p.readLine()
		if len(raw) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("read: %w: %w", ErrIO, err)
		}

		start := p.offset
		p.offset += int64(len(raw))
		lineNo := p.Line()
		if p.lineOK {
			p.line++
		}

		c.Reset()
		c.FilePosition, c.Length, c.LineNumber = start, int64(len(raw)), lineNo
		if p.overflow {
			p.overflow = false
			return &ParseError{Code: c, Line: lineNo, Reason: "line too long"}
		}

		text := strings.TrimSpace(string(bytes.TrimRight(raw, "\r\n")))
		if text == "" {
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read: %w: %w", ErrIO, err)
			}
			continue
		}

		if perr := parseLine(c, text); perr != nil {
			perr.Line = lineNo
			return perr
		}
		return nil
	}
}

// readLine returns one raw line including its terminator. Lines longer than
// the buffer are drained and flagged.
func (p *Parser) readLine() ([]byte, error) {
	line, err := p.r.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		out := make([]byte, len(line))
		copy(out, line)
		return out, err
	}
	total := append([]byte(nil), line...)
	for errors.Is(err, bufio.ErrBufferFull) {
		line, err = p.r.ReadSlice('\n')
		total = append(total, line...)
	}
	p.overflow = true
	return total, err
}

// Parse parses a single line of text.
func Parse(text string) (*Code, error) {
	c := New(0)
	if perr := parseLine(c, strings.TrimSpace(text)); perr != nil {
		return nil, perr
	}
	return c, nil
}

func parseLine(c *Code, text string) *ParseError {
	fail := func(format string, args ...any) *ParseError {
		return &ParseError{Code: c, Reason: fmt.Sprintf(format, args...)}
	}

	i := 0
	skipSpace := func() {
		for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
			i++
		}
	}

	skipSpace()
	// Optional N<line> prefix.
	if i < len(text) && upper(text[i]) == 'N' && i+1 < len(text) && isDigit(text[i+1]) {
		j := i + 1
		for j < len(text) && isDigit(text[j]) {
			j++
		}
		n, _ := strconv.ParseInt(text[i+1:j], 10, 64)
		c.LineNumber = n
		i = j
		skipSpace()
	}

	if i >= len(text) {
		c.Type = TypeComment
		return nil
	}

	switch ch := text[i]; {
	case ch == ';':
		return setComment(c, text[i+1:], fail)
	case ch == '(':
		end := strings.IndexByte(text[i:], ')')
		if end < 0 {
			return fail("unterminated comment")
		}
		return setComment(c, text[i+1:i+end], fail)
	case isWordLetter(upper(ch)) && (i+1 >= len(text) || !isLetter(text[i+1])):
		c.Type = Type(upper(ch))
		i++
		j := i
		if c.Type == TypeT && j < len(text) && text[j] == '-' {
			j++
		}
		for j < len(text) && isDigit(text[j]) {
			j++
		}
		if j > i && text[j-1] != '-' {
			c.Major, _ = strconv.Atoi(text[i:j])
			i = j
			if i < len(text) && text[i] == '.' {
				j = i + 1
				for j < len(text) && isDigit(text[j]) {
					j++
				}
				if j == i+1 {
					return fail("missing minor number after %s.", c.ShortString())
				}
				c.Minor, _ = strconv.Atoi(text[i+1 : j])
				i = j
			}
		} else if c.Type != TypeT {
			return fail("missing major number after %c", ch)
		}
	case isLetter(ch):
		j := i
		for j < len(text) && isLetter(text[j]) {
			j++
		}
		c.Type = TypeKeyword
		c.Keyword = strings.ToLower(text[i:j])
		rest := strings.TrimSpace(text[j:])
		if idx := strings.IndexByte(rest, ';'); idx >= 0 && !insideQuotes(rest, idx) {
			rest = strings.TrimSpace(rest[:idx])
		}
		if len(rest) > MaxFieldLength {
			return fail("keyword argument exceeds %d bytes", MaxFieldLength)
		}
		c.Comment = rest
		return nil
	default:
		return fail("unexpected character %q", ch)
	}

	for {
		skipSpace()
		if i >= len(text) {
			return nil
		}
		ch := text[i]
		switch {
		case ch == ';':
			return setComment(c, text[i+1:], fail)
		case ch == '*':
			// checksum, verified by the transport that supplied it
			return nil
		case ch == '(':
			end := strings.IndexByte(text[i:], ')')
			if end < 0 {
				return fail("unterminated comment")
			}
			i += end + 1
		case isLetter(ch):
			param := Parameter{Letter: upper(ch)}
			i++
			value, next, perr := scanValue(text, i, &param, fail)
			if perr != nil {
				return perr
			}
			if len(value) > MaxFieldLength {
				return fail("parameter %c exceeds %d bytes", param.Letter, MaxFieldLength)
			}
			param.Value = value
			c.Params = append(c.Params, param)
			i = next
		default:
			return fail("unexpected character %q", ch)
		}
	}
}

func scanValue(text string, i int, param *Parameter, fail func(string, ...any) *ParseError) (string, int, *ParseError) {
	if i >= len(text) {
		return "", i, nil
	}
	switch text[i] {
	case '"':
		param.IsString = true
		var b strings.Builder
		for j := i + 1; j < len(text); j++ {
			if text[j] != '"' {
				b.WriteByte(text[j])
				continue
			}
			if j+1 < len(text) && text[j+1] == '"' {
				b.WriteByte('"')
				j++
				continue
			}
			return b.String(), j + 1, nil
		}
		return "", i, fail("unterminated string in parameter %c", param.Letter)
	case '{':
		param.IsExpression = true
		depth := 0
		for j := i; j < len(text); j++ {
			switch text[j] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return text[i : j+1], j + 1, nil
				}
			}
		}
		return "", i, fail("unterminated expression in parameter %c", param.Letter)
	}
	j := i
	for j < len(text) && text[j] != ' ' && text[j] != '\t' && text[j] != ';' && text[j] != '(' {
		j++
	}
	return text[i:j], j, nil
}

func setComment(c *Code, comment string, fail func(string, ...any) *ParseError) *ParseError {
	comment = strings.TrimSpace(comment)
	if len(comment) > MaxFieldLength {
		return fail("comment exceeds %d bytes", MaxFieldLength)
	}
	if c.Type == TypeNone {
		c.Type = TypeComment
	}
	c.Comment = comment
	return nil
}

func insideQuotes(s string, idx int) bool {
	return strings.Count(s[:idx], `"`)%2 == 1
}

func isDigit(b byte) bool  { return b >= '0' && b <= '9' }
func isLetter(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') }

func isWordLetter(b byte) bool {
	return b == 'G' || b == 'M' || b == 'T'
}
