package gql

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the operation type of a GraphQL document's main definition.
type Kind int

const (
	KindQuery Kind = iota
	KindMutation
	KindSubscription
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindMutation:
		return "mutation"
	case KindSubscription:
		return "subscription"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrNoOperation is returned by NewOperation for documents without an
// executable operation (empty, or only fragments).
var ErrNoOperation = errors.New("gql: document has no operation definition")

// Operation describes one remote call. It is not modified after dispatch;
// retries rebuild the request from it.
type Operation struct {
	Kind      Kind
	Query     string
	Variables map[string]any
	Name      string
}

// NewOperation parses enough of query to find its main operation definition
// and returns the operation with its kind and name filled in.
func NewOperation(query string, variables map[string]any) (Operation, error) {
	kind, name, err := mainDefinition(query)
	if err != nil {
		return Operation{}, err
	}

	return Operation{
		Kind:      kind,
		Query:     query,
		Variables: variables,
		Name:      name,
	}, nil
}

// OperationContext is per-attempt request metadata. Each retry derives a new
// context rather than mutating the previous one.
type OperationContext struct {
	Header http.Header
}

// WithAuthorization returns a copy of the context with the Authorization
// header replaced. An empty value removes the header.
func (oc OperationContext) WithAuthorization(value string) OperationContext {
	h := oc.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}

	if value == "" {
		h.Del("Authorization")
	} else {
		h.Set("Authorization", value)
	}

	return OperationContext{Header: h}
}

// Authorization returns the Authorization header value, or "".
func (oc OperationContext) Authorization() string {
	return oc.Header.Get("Authorization")
}

// mainDefinition scans the top level of a document for the first operation
// definition, skipping fragment definitions. It understands just enough of
// the lexical grammar (comments, strings, nesting) to not be fooled by
// keywords inside selection sets or string values.
func mainDefinition(doc string) (Kind, string, error) {
	var (
		depth      int
		inFragment bool
	)

	for i := 0; i < len(doc); {
		c := doc[i]

		switch {
		case c == '#':
			for i < len(doc) && doc[i] != '\n' && doc[i] != '\r' {
				i++
			}
		case c == '"':
			next, err := skipString(doc, i)
			if err != nil {
				return 0, "", err
			}

			i = next
		case c == '{' || c == '(' || c == '[':
			if depth == 0 && c == '{' && !inFragment {
				return KindQuery, "", nil
			}

			depth++
			i++
		case c == '}' || c == ')' || c == ']':
			depth--
			i++

			if depth == 0 && c == '}' {
				inFragment = false
			}

			if depth < 0 {
				return 0, "", fmt.Errorf("gql: unbalanced %q at offset %d", c, i-1)
			}
		case isNameStart(c):
			start := i
			for i < len(doc) && isNameContinue(doc[i]) {
				i++
			}

			if depth > 0 || inFragment {
				continue
			}

			word := doc[start:i]
			switch word {
			case "fragment":
				inFragment = true
			case "query", "mutation", "subscription":
				return kindOf(word), nextName(doc, i), nil
			default:
				return 0, "", fmt.Errorf("gql: unexpected %q at offset %d", word, start)
			}
		default:
			i++
		}
	}

	return 0, "", ErrNoOperation
}

func kindOf(word string) Kind {
	switch word {
	case "mutation":
		return KindMutation
	case "subscription":
		return KindSubscription
	default:
		return KindQuery
	}
}

// nextName returns the name token following offset i, skipping ignored
// characters, or "" when the next token is not a name.
func nextName(doc string, i int) string {
	for i < len(doc) {
		c := doc[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ',' {
			i++
			continue
		}

		if c == '#' {
			for i < len(doc) && doc[i] != '\n' && doc[i] != '\r' {
				i++
			}

			continue
		}

		break
	}

	if i >= len(doc) || !isNameStart(doc[i]) {
		return ""
	}

	start := i
	for i < len(doc) && isNameContinue(doc[i]) {
		i++
	}

	return doc[start:i]
}

// skipString returns the offset just past the string literal starting at i.
func skipString(doc string, i int) (int, error) {
	if strings.HasPrefix(doc[i:], `"""`) {
		for j := i + 3; j < len(doc); j++ {
			if doc[j] == '\\' && strings.HasPrefix(doc[j:], `\"""`) {
				j += 3
				continue
			}

			if strings.HasPrefix(doc[j:], `"""`) {
				return j + 3, nil
			}
		}

		return 0, fmt.Errorf("gql: unterminated block string at offset %d", i)
	}

	for j := i + 1; j < len(doc); j++ {
		switch doc[j] {
		case '\\':
			j++
		case '"':
			return j + 1, nil
		case '\n', '\r':
			return 0, fmt.Errorf("gql: unterminated string at offset %d", i)
		}
	}

	return 0, fmt.Errorf("gql: unterminated string at offset %d", i)
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameContinue(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
