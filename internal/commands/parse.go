package commands

import (
	"strings"

	"github.com/google/uuid"
)

func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// tokenizeCommandLine splits command text into tokens while supporting
// quotes and backslash escapes:
//
//	/register name="Raid night" start='2024-01-01 20:00'
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseArgs splits tokens into positionals and key=value fields. Keys are
// lower-cased; a leading "--" is accepted ("--name=x" equals "name=x").
// A later duplicate key wins.
func parseArgs(tokens []string) (pos []string, fields map[string]string) {
	fields = map[string]string{}
	for _, tok := range tokens {
		k, v, ok := strings.Cut(tok, "=")
		k = strings.TrimPrefix(k, "--")
		if !ok || !validKey(k) {
			pos = append(pos, tok)
			continue
		}
		fields[strings.ToLower(k)] = v
	}
	return pos, fields
}

func validKey(k string) bool {
	if k == "" {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// commandWord extracts the command name from "/name@botname".
func commandWord(tok string) string {
	w := strings.TrimPrefix(tok, "/")
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w)
}
