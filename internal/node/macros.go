package node

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
)

// ErrMacroLoop reports a macro that keeps producing macros. Self-referential
// configurations must fail loudly instead of looping.
var ErrMacroLoop = errors.New("macro expansion did not converge")

var macroRe = regexp.MustCompile(`\[eval:([^\[\]]*)\]`)

// maxMacroPasses caps repeated substitution. A well-formed configuration
// converges in one or two passes.
const maxMacroPasses = 8

// Evaluator expands [eval:<expression>] macros embedded in configuration
// strings. Expressions are limited to arithmetic, string concatenation and
// lookups of the declared variables; they never reach the host process.
type Evaluator struct {
	vars map[string]any
}

// NewEvaluator creates an evaluator over the given variable set.
func NewEvaluator(vars map[string]any) *Evaluator {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Evaluator{vars: vars}
}

// SetVar declares or replaces a variable.
func (e *Evaluator) SetVar(name string, value any) {
	e.vars[name] = value
}

// Expand substitutes every [eval:...] macro in s, re-scanning the result
// until no macros remain or the pass cap is hit.
func (e *Evaluator) Expand(s string) (string, error) {
	for pass := 0; pass < maxMacroPasses; pass++ {
		if !macroRe.MatchString(s) {
			return s, nil
		}

		var evalErr error
		s = macroRe.ReplaceAllStringFunc(s, func(match string) string {
			code := macroRe.FindStringSubmatch(match)[1]
			out, err := expr.Eval(code, e.vars)
			if err != nil {
				evalErr = fmt.Errorf("macro %q: %w", code, err)
				return match
			}
			return fmt.Sprint(out)
		})
		if evalErr != nil {
			return "", evalErr
		}
	}
	return "", fmt.Errorf("%w: %q", ErrMacroLoop, s)
}
