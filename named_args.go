package pgsession

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// expandNamedParams rewrites @name references to ordinal placeholders and
// reorders the named values accordingly. Positional parameter lists pass
// through untouched.
func expandNamedParams(query string, params []interface{}) (string, []interface{}, error) {
	if len(params) != 1 {
		return query, params, nil
	}
	na, ok := params[0].(NamedArgs)
	if !ok {
		return query, params, nil
	}
	return rewriteNamedQuery(query, na)
}

// rewriteNamedQuery scans the query for @name references outside string
// literals, quoted identifiers and comments, assigning each distinct name
// the next ordinal placeholder in order of first appearance.
func rewriteNamedQuery(query string, args NamedArgs) (string, []interface{}, error) {
	var sb strings.Builder
	sb.Grow(len(query))

	ordinals := make(map[string]int)
	var ordered []interface{}

	l := &namedQueryLexer{src: query}

	for !l.eof() {
		r := l.next()
		switch {
		case r == '\'' || r == '"':
			sb.WriteRune(r)
			l.copyQuoted(&sb, r)
		case r == '-' && l.peek() == '-':
			sb.WriteRune(r)
			l.copyLineComment(&sb)
		case r == '/' && l.peek() == '*':
			sb.WriteRune(r)
			l.copyBlockComment(&sb)
		case r == '@':
			name := l.takeIdentifier()
			if name == "" {
				// a bare @ (e.g. an operator); leave it alone
				sb.WriteRune(r)
				continue
			}
			n, seen := ordinals[name]
			if !seen {
				v, ok := args[name]
				if !ok {
					return "", nil, programmingErrorf("query parameter %q not supplied", name)
				}
				ordered = append(ordered, v)
				n = len(ordered)
				ordinals[name] = n
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
		default:
			sb.WriteRune(r)
		}
	}

	return sb.String(), ordered, nil
}

type namedQueryLexer struct {
	src string
	pos int
}

func (l *namedQueryLexer) eof() bool { return l.pos >= len(l.src) }

func (l *namedQueryLexer) next() rune {
	r, w := utf8.DecodeRuneInString(l.src[l.pos:])
	l.pos += w
	return r
}

func (l *namedQueryLexer) peek() rune {
	if l.eof() {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
	return r
}

func (l *namedQueryLexer) copyQuoted(sb *strings.Builder, quote rune) {
	for !l.eof() {
		r := l.next()
		sb.WriteRune(r)
		if r == quote {
			// doubled quote is an escape, keep going
			if l.peek() == quote {
				sb.WriteRune(l.next())
				continue
			}
			return
		}
	}
}

func (l *namedQueryLexer) copyLineComment(sb *strings.Builder) {
	for !l.eof() {
		r := l.next()
		sb.WriteRune(r)
		if r == '\n' {
			return
		}
	}
}

func (l *namedQueryLexer) copyBlockComment(sb *strings.Builder) {
	depth := 0
	for !l.eof() {
		r := l.next()
		sb.WriteRune(r)
		switch {
		case r == '*' && l.peek() == '/':
			sb.WriteRune(l.next())
			if depth == 0 {
				return
			}
			depth--
		case r == '/' && l.peek() == '*':
			sb.WriteRune(l.next())
			depth++
		}
	}
}

func (l *namedQueryLexer) takeIdentifier() string {
	start := l.pos
	for !l.eof() {
		r := l.peek()
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			l.next()
			continue
		}
		break
	}
	return l.src[start:l.pos]
}
