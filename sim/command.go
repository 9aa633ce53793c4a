package sim

import (
	"bytes"
	"errors"
)

var errSyntax = errors.New("AT syntax error")

// Command is one command of an AT command line.
type Command struct {
	// Name is the upper-cased command name: "D", "E", "&F", "+CLIP", "#DTMF"
	Name string
	// Num is the numeric argument of a basic command ("1" in ATE1)
	Num string
	// Assign is set for NAME=VALUE forms and for D
	Assign bool
	// Query is set for NAME? and NAME=? forms
	Query bool
	// Value is the assigned value; for D it holds the dial string
	Value string
}

// Extended reports whether c is a + or # command.
func (c Command) Extended() bool {
	return len(c.Name) > 0 && (c.Name[0] == '+' || c.Name[0] == '#')
}

func isCmdChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func upper(b byte) string {
	return string(bytes.ToUpper([]byte{b}))
}

// ParseCommandLine splits the text following "AT" into commands. Basic
// commands chain (ATE1V1Q0); an extended command or D ends the line.
func ParseCommandLine(line string) ([]Command, error) {
	buf := bytes.NewBufferString(line)
	var cmds []Command
	for buf.Len() > 0 {
		c, long, err := nextCommand(buf)
		if err != nil {
			return cmds, err
		}
		if c.Name != "" {
			cmds = append(cmds, c)
		}
		if long {
			break
		}
	}
	return cmds, nil
}

func nextCommand(buf *bytes.Buffer) (c Command, long bool, err error) {
	for buf.Len() > 0 {
		b, _ := buf.ReadByte()
		switch {
		case b == '?':
			if c.Name == "" {
				return c, long, errSyntax
			}
			c.Query = true
			return c, long, nil
		case c.Assign:
			// basic commands only take digits
			if !long && !isDigit(b) {
				_ = buf.UnreadByte()
				return c, long, nil
			}
			c.Value += string(b)
		case b == '+' || b == '#':
			if c.Name != "" {
				return c, long, errSyntax
			}
			long = true
			c.Name = string(b)
		case b == '=':
			if c.Name == "" {
				return c, long, errSyntax
			}
			c.Assign = true
		case long:
			if !isCmdChar(b) {
				return c, long, errSyntax
			}
			c.Name += upper(b)
		case c.Name == "" || c.Name == "&" || c.Name == "%":
			if (b == '&' || b == '%') && c.Name == "" && buf.Len() > 0 {
				c.Name = string(b)
				continue
			}
			if !isCmdChar(b) {
				return c, long, errSyntax
			}
			c.Name += upper(b)
			if c.Name == "D" {
				long = true
				c.Assign = true
			}
		default:
			if !isDigit(b) {
				_ = buf.UnreadByte()
				return c, long, nil
			}
			c.Num += string(b)
		}
	}
	return c, long, nil
}
