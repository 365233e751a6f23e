// Package queryscan extracts name bindings from embedded SQL text.
//
// Cells can carry SQL fragments alongside ordinary expressions. The
// dependency graph only needs two facts from such a fragment: which
// relation names it creates (defs) and which relation names it reads
// (refs). This package recovers both with a small token scanner; it is
// deliberately not a SQL parser and never fails; input it cannot make
// sense of degrades to an empty result.
package queryscan

import (
	"strings"
	"unicode"
)

// Result holds the names extracted from a SQL fragment.
type Result struct {
	// Defs are relation names bound by CREATE TABLE / CREATE VIEW
	// statements, in order of appearance.
	Defs []string
	// Refs are relation names read via FROM and JOIN clauses, in order
	// of appearance and deduplicated.
	Refs []string
	// Statements are the individual statements the fragment split into.
	Statements []string
}

// Scan extracts defs and refs from the given SQL text. It never returns
// an error: text that does not scan as SQL produces an empty Result.
func Scan(sql string) Result {
	var res Result
	seenDef := make(map[string]struct{})
	seenRef := make(map[string]struct{})

	for _, stmt := range SplitStatements(sql) {
		res.Statements = append(res.Statements, stmt)
		tokens := tokenize(stmt)
		for i := 0; i < len(tokens); i++ {
			switch strings.ToUpper(tokens[i]) {
			case "CREATE":
				if name, ok := createTarget(tokens[i:]); ok {
					if _, dup := seenDef[name]; !dup {
						seenDef[name] = struct{}{}
						res.Defs = append(res.Defs, name)
					}
				}
			case "FROM", "JOIN":
				for _, name := range sourceTargets(tokens, i+1) {
					if _, dup := seenRef[name]; !dup {
						seenRef[name] = struct{}{}
						res.Refs = append(res.Refs, name)
					}
				}
			}
		}
	}

	// A relation created earlier in the fragment is not an external ref.
	if len(res.Defs) > 0 && len(res.Refs) > 0 {
		filtered := res.Refs[:0]
		for _, ref := range res.Refs {
			if _, ok := seenDef[ref]; !ok {
				filtered = append(filtered, ref)
			}
		}
		res.Refs = filtered
	}
	return res
}

// SplitStatements splits SQL text on semicolons, respecting single-quoted
// strings and line comments. Empty statements are dropped.
func SplitStatements(sql string) []string {
	var out []string
	var sb strings.Builder
	inString := false
	inComment := false

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case inComment:
			sb.WriteByte(c)
			if c == '\n' {
				inComment = false
			}
		case inString:
			sb.WriteByte(c)
			if c == '\'' {
				inString = false
			}
		case c == '\'':
			inString = true
			sb.WriteByte(c)
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			inComment = true
			sb.WriteByte(c)
		case c == ';':
			if s := strings.TrimSpace(sb.String()); s != "" {
				out = append(out, s)
			}
			sb.Reset()
		default:
			sb.WriteByte(c)
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// createTarget resolves the bound name of a CREATE statement. tokens[0]
// is the CREATE keyword.
func createTarget(tokens []string) (string, bool) {
	i := 1
	// Skip qualifiers between CREATE and the object keyword.
	for i < len(tokens) {
		switch strings.ToUpper(tokens[i]) {
		case "OR", "REPLACE", "TEMP", "TEMPORARY":
			i++
			continue
		}
		break
	}
	if i >= len(tokens) {
		return "", false
	}
	kind := strings.ToUpper(tokens[i])
	if kind != "TABLE" && kind != "VIEW" {
		return "", false
	}
	i++
	// Optional IF NOT EXISTS.
	if i+2 < len(tokens) &&
		strings.EqualFold(tokens[i], "IF") &&
		strings.EqualFold(tokens[i+1], "NOT") &&
		strings.EqualFold(tokens[i+2], "EXISTS") {
		i += 3
	}
	if i >= len(tokens) || !isIdentifier(tokens[i]) {
		return "", false
	}
	return tokens[i], true
}

// sourceTargets collects relation names following a FROM or JOIN keyword
// starting at tokens[start]. FROM accepts a comma-separated list.
func sourceTargets(tokens []string, start int) []string {
	var names []string
	i := start
	for i < len(tokens) {
		tok := tokens[i]
		if tok == "(" {
			// Subquery or table function; its own FROM clauses are
			// picked up by the linear scan.
			return names
		}
		if !isIdentifier(tok) || reservedWords[strings.ToUpper(tok)] {
			return names
		}
		// An identifier immediately followed by '(' is a function call,
		// not a relation.
		if i+1 < len(tokens) && tokens[i+1] == "(" {
			return names
		}
		names = append(names, tok)
		// Skip an optional alias, then continue only across commas.
		i++
		if i < len(tokens) && isIdentifier(tokens[i]) && !reservedWords[strings.ToUpper(tokens[i])] {
			i++
		}
		if i < len(tokens) && tokens[i] == "," {
			i++
			continue
		}
		return names
	}
	return names
}

var reservedWords = map[string]bool{
	"SELECT": true, "WHERE": true, "GROUP": true, "ORDER": true,
	"HAVING": true, "LIMIT": true, "OFFSET": true, "UNION": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true,
	"FULL": true, "CROSS": true, "ON": true, "USING": true,
	"AS": true, "SET": true, "VALUES": true, "INTO": true,
	"NATURAL": true, "OUTER": true,
}

func isIdentifier(tok string) bool {
	if tok == "" {
		return false
	}
	for i, r := range tok {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && (unicode.IsDigit(r) || r == '.') {
			continue
		}
		return false
	}
	return true
}

// tokenize splits a statement into identifiers, punctuation, and quoted
// strings. Quoted identifiers lose their quotes; string literals are
// dropped entirely as they never name a relation.
func tokenize(stmt string) []string {
	var tokens []string
	i := 0
	for i < len(stmt) {
		c := stmt[i]
		switch {
		case c == '-' && i+1 < len(stmt) && stmt[i+1] == '-':
			for i < len(stmt) && stmt[i] != '\n' {
				i++
			}
		case c == '\'':
			i++
			for i < len(stmt) && stmt[i] != '\'' {
				i++
			}
			i++
		case c == '"':
			j := i + 1
			for j < len(stmt) && stmt[j] != '"' {
				j++
			}
			tokens = append(tokens, stmt[i+1:j])
			i = j + 1
		case isWordByte(c):
			j := i
			for j < len(stmt) && (isWordByte(stmt[j]) || stmt[j] == '.') {
				j++
			}
			tokens = append(tokens, stmt[i:j])
			i = j
		case unicode.IsSpace(rune(c)):
			i++
		default:
			tokens = append(tokens, string(c))
			i++
		}
	}
	return tokens
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
