package directory

import (
	"encoding/base64"
	"fmt"
	"strings"
)

func decodeObject(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}

// TokenRule specifies the grammar for one keyword: its argument-count
// bounds, object requirements, and how many times (and where) it may
// appear in a document.
type TokenRule struct {
	Keyword      string
	MinArgs      int
	MaxArgs      int // -1 means unbounded
	Concatenate  bool // true: args after MinArgs-1 are joined into one field
	ObjectNeeded ObjectRequirement
	MinCount     int
	MaxCount     int // -1 means unbounded
	AtStart      bool
	AtEnd        bool
}

// ObjectRequirement constrains whether/how a keyword's PEM-style object
// body must be present.
type ObjectRequirement int

const (
	ObjectNone ObjectRequirement = iota
	ObjectRequired
	ObjectRequiredPublicKey1024
	ObjectRequiredPrivateKey1024
	ObjectRequiredPublicKey
	ObjectOptional
)

// Token is one parsed line of a directory document, plus its decoded
// object body if it carried one.
type Token struct {
	Keyword    string
	Args       []string
	Object     []byte // raw base64-decoded bytes between BEGIN/END
	ObjectType string // the X in "-----BEGIN X-----"
	IsOpt      bool   // keyword was not in the rule table, tolerated
}

// Tokenize splits a directory document's byte range into an ordered token
// list per a rule table. Unknown keywords are tolerated as IsOpt tokens;
// malformed object headers or mismatched END tags are fatal.
func Tokenize(text string, rules map[string]TokenRule) ([]Token, error) {
	lines := strings.Split(text, "\n")
	var tokens []Token

	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "-----BEGIN ") {
			return nil, fmt.Errorf("tokenizer: object with no preceding keyword at line %d", i+1)
		}

		fields := strings.Fields(line)
		keyword := fields[0]
		args := fields[1:]
		if rule, ok := rules[keyword]; ok && rule.Concatenate && rule.MinArgs >= 1 && len(args) > rule.MinArgs {
			joined := strings.Join(args[rule.MinArgs-1:], " ")
			args = append(args[:rule.MinArgs-1:rule.MinArgs-1], joined)
		}

		tok := Token{Keyword: keyword, Args: args}
		if _, known := rules[keyword]; !known && !strings.HasPrefix(keyword, "@") {
			tok.IsOpt = true
		}

		// Consume a following object, if any.
		if i+1 < len(lines) && strings.HasPrefix(strings.TrimRight(lines[i+1], "\r"), "-----BEGIN ") {
			i++
			begin := strings.TrimRight(lines[i], "\r")
			objType := strings.TrimSuffix(strings.TrimPrefix(begin, "-----BEGIN "), "-----")
			var b64 strings.Builder
			end := fmt.Sprintf("-----END %s-----", objType)
			found := false
			for i+1 < len(lines) {
				i++
				l := strings.TrimRight(lines[i], "\r")
				if l == end {
					found = true
					break
				}
				b64.WriteString(l)
			}
			if !found {
				return nil, fmt.Errorf("tokenizer: unterminated object %q starting at keyword %q", objType, keyword)
			}
			// A malformed body is the caller's problem (a key that fails to
			// parse, a signature that fails to verify): tok.Object stays nil
			// and callers that require it report their own error. A missing
			// END marker is a structural defect in the document itself and
			// is fatal above.
			if decoded, err := decodeObject(b64.String()); err == nil {
				tok.Object = decoded
			}
			tok.ObjectType = objType
		}

		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// Validate checks a token list against a rule table: cardinality bounds,
// AT_START/AT_END positioning, and that annotations precede the document
// proper without interleaving.
func Validate(tokens []Token, rules map[string]TokenRule) error {
	counts := make(map[string]int)
	sawNonAnnotation := false

	for idx, tok := range tokens {
		if strings.HasPrefix(tok.Keyword, "@") {
			if sawNonAnnotation {
				return fmt.Errorf("validator: annotation %q appears after document body began", tok.Keyword)
			}
			continue
		}
		sawNonAnnotation = true
		counts[tok.Keyword]++

		rule, known := rules[tok.Keyword]
		if !known {
			continue // tolerated unrecognised-but-valid keyword
		}
		if len(tok.Args) < rule.MinArgs || (rule.MaxArgs >= 0 && len(tok.Args) > rule.MaxArgs) {
			return fmt.Errorf("validator: %q has %d args, want [%d,%d]", tok.Keyword, len(tok.Args), rule.MinArgs, rule.MaxArgs)
		}
		if err := checkObjectRequirement(tok, rule); err != nil {
			return fmt.Errorf("validator: %q: %w", tok.Keyword, err)
		}
		if rule.AtStart && idx != firstNonAnnotationIndex(tokens) {
			return fmt.Errorf("validator: %q must be the first token", tok.Keyword)
		}
		if rule.AtEnd && idx != len(tokens)-1 {
			return fmt.Errorf("validator: %q must be the last token", tok.Keyword)
		}
	}

	for kw, rule := range rules {
		c := counts[kw]
		if c < rule.MinCount || (rule.MaxCount >= 0 && c > rule.MaxCount) {
			return fmt.Errorf("validator: keyword %q appears %d times, want [%d,%d]", kw, c, rule.MinCount, rule.MaxCount)
		}
	}
	return nil
}

func firstNonAnnotationIndex(tokens []Token) int {
	for i, t := range tokens {
		if !strings.HasPrefix(t.Keyword, "@") {
			return i
		}
	}
	return -1
}

func checkObjectRequirement(tok Token, rule TokenRule) error {
	switch rule.ObjectNeeded {
	case ObjectNone:
		return nil
	case ObjectOptional:
		return nil
	default:
		if tok.Object == nil {
			return fmt.Errorf("requires an object, none present or not valid base64")
		}
		return nil
	}
}

// Find returns the first token with the given keyword, or nil.
func Find(tokens []Token, keyword string) *Token {
	for i := range tokens {
		if tokens[i].Keyword == keyword {
			return &tokens[i]
		}
	}
	return nil
}

// FindAll returns every token with the given keyword, in document order.
func FindAll(tokens []Token, keyword string) []Token {
	var out []Token
	for _, t := range tokens {
		if t.Keyword == keyword {
			out = append(out, t)
		}
	}
	return out
}
