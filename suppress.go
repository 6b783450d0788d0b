package auditspool

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// SuppressRule describes events a destination does not want to receive. A
// rule matches when every criterion it sets matches; empty criteria match
// anything. A rule with no criteria at all matches nothing.
type SuppressRule struct {
	EventCodes   []string     `yaml:"eventCodes,omitempty" json:"eventCodes,omitempty"`
	EventClasses []EventClass `yaml:"eventClasses,omitempty" json:"eventClasses,omitempty"`
	// Principals are glob patterns matched against the calling principal,
	// for example "STORE*" or "**/rs".
	Principals []string `yaml:"principals,omitempty" json:"principals,omitempty"`
	// Expression is an expr-lang boolean over code, class, principal and
	// destination, for example `class == "query" && principal startsWith "MOD"`.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`

	program *vm.Program
}

// suppressEnv is the environment a suppression expression is evaluated in.
type suppressEnv struct {
	Code        string `expr:"code"`
	Class       string `expr:"class"`
	Principal   string `expr:"principal"`
	Destination string `expr:"destination"`
}

// compile validates the globs and compiles the expression of r.
func (r *SuppressRule) compile() error {
	for _, p := range r.Principals {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("auditspool: invalid principal pattern %q", p)
		}
	}
	r.program = nil
	if r.Expression == "" {
		return nil
	}
	program, err := compileSuppression(r.Expression)
	if err != nil {
		return err
	}
	r.program = program
	return nil
}

func compileSuppression(src string) (*vm.Program, error) {
	program, err := expr.Compile(src, expr.Env(suppressEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("auditspool: compile suppression expression %q: %w", src, err)
	}
	return program, nil
}

func (r *SuppressRule) empty() bool {
	return len(r.EventCodes) == 0 && len(r.EventClasses) == 0 && len(r.Principals) == 0 && r.Expression == ""
}

func (r *SuppressRule) matches(d EventTypeDescriptor, principal, destination string) (bool, error) {
	if r.empty() {
		return false, nil
	}
	if len(r.EventCodes) > 0 && !contains(r.EventCodes, d.Code) {
		return false, nil
	}
	if len(r.EventClasses) > 0 && !contains(r.EventClasses, d.Class) {
		return false, nil
	}
	if len(r.Principals) > 0 {
		ok := false
		for _, p := range r.Principals {
			if m, _ := doublestar.Match(p, principal); m {
				ok = true
				break
			}
		}
		if !ok {
			return false, nil
		}
	}
	if r.Expression != "" {
		program := r.program
		if program == nil {
			var err error
			if program, err = compileSuppression(r.Expression); err != nil {
				return false, err
			}
		}
		out, err := expr.Run(program, suppressEnv{
			Code:        d.Code,
			Class:       string(d.Class),
			Principal:   principal,
			Destination: destination,
		})
		if err != nil {
			return false, fmt.Errorf("auditspool: evaluate suppression expression %q: %w", r.Expression, err)
		}
		b, _ := out.(bool)
		return b, nil
	}
	return true, nil
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// IsSuppressed reports whether events of type d from principal must not be
// spooled for dest. A destination that is not installed suppresses
// everything. A rule whose expression fails to evaluate does not suppress.
func IsSuppressed(d EventTypeDescriptor, principal string, dest *Destination) bool {
	if dest == nil || !dest.Installed {
		return true
	}
	for i := range dest.Suppress {
		if ok, err := dest.Suppress[i].matches(d, principal, dest.Name); err == nil && ok {
			return true
		}
	}
	return false
}
