// Package stmterr formats statement errors, marking the offending token with a caret line.
package stmterr

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrorCode is negative for errors and positive for warnings.
type ErrorCode int

const (
	Success ErrorCode = 0

	NotFound ErrorCode = 1

	StatementInvalid    ErrorCode = -1
	SyntaxError         ErrorCode = -2
	FeatureNotSupported ErrorCode = -3
	InvalidArguments    ErrorCode = -4
	UndefinedColumn     ErrorCode = -5
)

var errorTexts = map[ErrorCode]string{
	Success:             "Success",
	NotFound:            "Not Found",
	StatementInvalid:    "Invalid SQL Statement",
	SyntaxError:         "Syntax Error",
	FeatureNotSupported: "Feature Not Supported",
	InvalidArguments:    "Invalid Arguments",
	UndefinedColumn:     "Undefined Column",
}

func ErrorText(code ErrorCode) string {
	if t, ok := errorTexts[code]; ok {
		return t
	}
	return fmt.Sprintf("Unknown Error %d", int(code))
}

// Location is a 1-based token position as reported by the parser. EndColumn is exclusive.
type Location struct {
	BeginLine   int
	BeginColumn int
	EndLine     int
	EndColumn   int
}

func (l Location) String() string {
	return fmt.Sprintf("%d.%d - %d.%d", l.BeginLine, l.BeginColumn, l.EndLine, l.EndColumn)
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Context collects the errors raised while processing one statement.
type Context struct {
	stmt string
	code ErrorCode
	msgs strings.Builder
}

func NewContext(stmt string) *Context {
	return &Context{stmt: stmt}
}

func (c *Context) Code() ErrorCode {
	return c.code
}

// Status returns every error message collected so far, or nil if the statement has no error.
func (c *Context) Status() error {
	if c.code < Success {
		return &Error{Code: c.code, Message: c.msgs.String()}
	}
	return nil
}

func (c *Context) Warn(loc Location, msg string, code ErrorCode) {
	c.code = code
	log.Warn("statement warning", zap.Stringer("location", loc), zap.String("message", msg))
}

// Error records an error. Without token, the statement is echoed with the token under loc marked.
func (c *Context) Error(loc Location, msg string, code ErrorCode, token string) error {
	c.code = code

	var b strings.Builder
	b.WriteString(ErrorText(code))
	if msg != "" {
		b.WriteString(". ")
		b.WriteString(msg)
	}
	b.WriteByte('\n')
	if token == "" {
		if !markToken(&b, c.stmt, loc) {
			fmt.Fprintf(&b, "At location: (%v)\n", loc)
		}
	} else {
		b.WriteString(token)
	}

	text := b.String()
	c.msgs.WriteString(text)
	log.Error("statement error", zap.String("message", text))
	return &Error{Code: code, Message: text}
}

func isSpace(c byte) bool {
	return unicode.IsSpace(rune(c))
}

func markToken(b *strings.Builder, stmt string, loc Location) bool {
	if len(stmt) == 0 {
		return false
	}
	beginLine, beginCol := loc.BeginLine-1, loc.BeginColumn-1
	endLine, endCol := loc.EndLine-1, loc.EndColumn-1

	wrote := false
	line, col := 0, 0
	for i := 0; i <= len(stmt); i++ {
		if i < len(stmt) && stmt[i] != '\n' {
			b.WriteByte(stmt[i])
			col++
			continue
		}
		b.WriteByte('\n')
		if line >= beginLine && line <= endLine {
			lineStart, lineEnd := i-col, i-1
			start := lineStart
			if line == beginLine {
				start += beginCol
			}
			if !wrote {
				for start <= lineEnd && isSpace(stmt[start]) {
					start++
				}
			}
			end := lineEnd
			if line == endLine {
				// The reported end column may lie past the line.
				if e := lineStart + endCol - 1; e < end {
					end = e
				}
				for end >= start && isSpace(stmt[end]) {
					end--
				}
			}
			if end >= start {
				b.WriteString(strings.Repeat(" ", start-lineStart))
				b.WriteString(strings.Repeat("^", end-start+1))
				b.WriteByte('\n')
				wrote = true
			}
		}
		line++
		col = 0
	}
	return wrote
}
