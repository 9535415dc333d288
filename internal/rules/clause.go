package rules

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"spendsense/internal/signals"
)

var operators = []string{">=", ">", "<=", "<", "==", "!="}

// Clause is one human-readable criterion: field op value.
type Clause struct {
	Field string `yaml:"field"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
	Label string `yaml:"label"`
}

// Eval reports whether the clause holds. An undefined field never satisfies
// a clause: missing evidence is not a zero.
func (c Clause) Eval(fs signals.FieldSet) bool {
	v, ok := fs.Lookup(c.Field)
	if !ok {
		return false
	}

	switch v.Kind {
	case signals.KindBool:
		want, ok := c.Value.(bool)
		if !ok {
			return false
		}
		return equality(c.Op, v.Bool == want)
	case signals.KindText, signals.KindLabel:
		want, ok := c.Value.(string)
		if !ok {
			return false
		}
		return equality(c.Op, v.Text == want)
	}

	got, ok := v.Number()
	if !ok {
		return false
	}
	want, ok := toFloat(c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case ">=":
		return got >= want
	case ">":
		return got > want
	case "<=":
		return got <= want
	case "<":
		return got < want
	case "==":
		return got == want
	case "!=":
		return got != want
	}
	return false
}

// Describe renders the criterion for criteria_met and guardrail reasons.
func (c Clause) Describe() string {
	if c.Label != "" {
		return c.Label
	}
	return fmt.Sprintf("%s %s %s", c.Field, c.Op, c.renderOperand())
}

func (c Clause) renderOperand() string {
	kind, err := signals.FieldKind(c.Field)
	if err != nil {
		return fmt.Sprint(c.Value)
	}
	switch kind {
	case signals.KindBool, signals.KindText, signals.KindLabel:
		return fmt.Sprint(c.Value)
	}
	f, ok := toFloat(c.Value)
	if !ok {
		return fmt.Sprint(c.Value)
	}
	return signals.Value{Kind: kind, Num: f, Money: decimal.NewFromFloat(f)}.Render()
}

func (c Clause) validate() error {
	kind, err := signals.FieldKind(c.Field)
	if err != nil {
		return err
	}
	valid := false
	for _, op := range operators {
		if c.Op == op {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("field %s: unknown operator %q", c.Field, c.Op)
	}

	switch kind {
	case signals.KindBool:
		if _, ok := c.Value.(bool); !ok {
			return fmt.Errorf("field %s: expects a boolean value", c.Field)
		}
	case signals.KindText, signals.KindLabel:
		if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("field %s: expects a string value", c.Field)
		}
	default:
		if _, ok := toFloat(c.Value); !ok {
			return fmt.Errorf("field %s: expects a numeric value", c.Field)
		}
		return nil
	}
	if c.Op != "==" && c.Op != "!=" {
		return fmt.Errorf("field %s: only == and != apply to non-numeric fields", c.Field)
	}
	return nil
}

func equality(op string, equal bool) bool {
	switch op {
	case "==":
		return equal
	case "!=":
		return !equal
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
