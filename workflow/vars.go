package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrMalformedVariable  = errors.New("malformed variable reference")
	ErrUnresolvedVariable = errors.New("unresolved variable")
)

var (
	// $$, ${NAME}, $NAME and the malformed leftovers: a lone $ or an
	// unterminated ${
	varRef = regexp.MustCompile(`\$\$|\$\{([^}]*)\}|\$([a-zA-Z_][a-zA-Z0-9_]*)|\$\{?`)
	ident  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Variables lists the variable names referenced by s, in order of
// appearance. `$$` is an escaped dollar sign.
func Variables(s string) ([]string, error) {
	var names []string
	for _, m := range varRef.FindAllStringSubmatch(s, -1) {
		switch {
		case m[0] == "$$":
			continue
		case m[2] != "":
			names = append(names, m[2])
		case strings.HasPrefix(m[0], "${") && strings.HasSuffix(m[0], "}"):
			if !ident.MatchString(m[1]) {
				return nil, fmt.Errorf("%w: %q in %q", ErrMalformedVariable, m[0], s)
			}
			names = append(names, m[1])
		default:
			return nil, fmt.Errorf("%w: %q", ErrMalformedVariable, s)
		}
	}
	return names, nil
}

// Expand substitutes every variable in s with its value from env, verbatim.
// Any variable missing from env is an error, an empty value is not.
func Expand(s string, env map[string]string) (string, error) {
	if _, err := Variables(s); err != nil {
		return "", err
	}

	var missing []string
	out := varRef.ReplaceAllStringFunc(s, func(m string) string {
		if m == "$$" {
			return "$"
		}

		name := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(m, "$"), "{"), "}")
		v, ok := env[name]
		if !ok {
			missing = append(missing, name)
		}
		return v
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedVariable, strings.Join(missing, ", "))
	}
	return out, nil
}

// ExpandAll expands each element of list, stopping at the first error.
func ExpandAll(list []string, env map[string]string) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, s := range list {
		v, err := Expand(s, env)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
