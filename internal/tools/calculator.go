package tools

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

const maxExpressionLen = 256

var (
	arithmeticOnly = regexp.MustCompile(`^[0-9+\-*/().\s]+$`)
	numberLiteral  = regexp.MustCompile(`\d+\.?\d*|\.\d+`)

	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

// Evaluate computes an arithmetic expression of number literals, + - * / and parentheses.
//
// The expression is compiled with CEL rather than evaluated as code, and only
// arithmetic characters are accepted. Number literals are promoted to doubles
// so that mixed integer and decimal arithmetic behaves like a calculator.
func Evaluate(expr string) (float64, error) {
	if strings.TrimSpace(expr) == "" {
		return 0, errors.New("expression is required")
	}
	if len(expr) > maxExpressionLen {
		return 0, fmt.Errorf("expression longer than %d characters", maxExpressionLen)
	}
	if !arithmeticOnly.MatchString(expr) {
		return 0, fmt.Errorf("invalid mathematical expression: %s", expr)
	}

	env, err := calculatorEnv()
	if err != nil {
		return 0, err
	}

	src := numberLiteral.ReplaceAllStringFunc(expr, asDouble)
	ast, iss := env.Compile(src)
	if iss.Err() != nil {
		return 0, fmt.Errorf("invalid mathematical expression: %s", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return 0, fmt.Errorf("building program: %w", err)
	}
	out, _, err := prg.Eval(map[string]any{})
	if err != nil {
		return 0, fmt.Errorf("evaluating %q: %w", expr, err)
	}
	v, ok := out.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("invalid mathematical expression: %s", expr)
	}
	return v, nil
}

// FormatNumber renders a result without a trailing ".0" for whole numbers.
func FormatNumber(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func asDouble(lit string) string {
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return lit
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func calculatorEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv()
	})
	return celEnv, celEnvErr
}
