package kernel

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Sentinel lines bracketing each evaluation's result on the kernel's stdout.
// Everything outside a BEGIN/END pair (banners, message spew, Print output
// from user code) is ignored by the reader.
const (
	beginSentinel = "<<wolframd:begin>>"
	endSentinel   = "<<wolframd:end>>"
)

// frameExpr wraps source text in a single self-contained expression that
// evaluates it and prints the result between sentinels. The source is passed
// through ToExpression of a quoted string so that a syntax error surfaces as
// the $Failed sentinel instead of desynchronizing the protocol, and Check
// folds thrown failures into $Failed as well.
func frameExpr(code string, mode Mode) string {
	form := "InputForm"
	if mode == ModeTextual {
		form = "OutputForm"
	}
	quoted := quoteWolfram(code)
	return fmt.Sprintf(
		`With[{wd$result = Quiet[Check[ToExpression[%s], $Failed]]}, Print[%q]; Print[ToString[wd$result, %s]]; Print[%q]]`,
		quoted, beginSentinel, form, endSentinel,
	)
}

// quoteWolfram renders s as a Wolfram Language string literal. The escape
// set differs from Go's: control characters must use the kernel's \:hhhh
// form, because \xhh and \uhhhh are not string escapes there and would
// desynchronize the frame. Printable text, ASCII or not, passes through raw;
// the kernel reads UTF-8.
func quoteWolfram(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\:%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// readReply consumes the kernel's stdout until one framed reply has been
// read, returning the result tagged for the given mode. An EOF before the
// closing sentinel means the kernel died mid-evaluation.
func readReply(scanner *bufio.Scanner, mode Mode) (Value, error) {
	kind := KindExpr
	if mode == ModeTextual {
		kind = KindText
	}

	var lines []string
	inReply := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == beginSentinel:
			inReply = true
		case strings.TrimSpace(line) == endSentinel:
			return Value{Kind: kind, Raw: strings.TrimRight(strings.Join(lines, "\n"), "\n")}, nil
		case inReply:
			lines = append(lines, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return Value{}, fmt.Errorf("kernel stream error: %w", err)
	}
	return Value{}, fmt.Errorf("kernel closed its output stream: %w", io.ErrUnexpectedEOF)
}

// newReplyScanner builds a scanner sized for large kernel outputs
func newReplyScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return scanner
}
