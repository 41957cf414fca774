// Package reducers compiles declarative state transitions for reducer
// cells. Each action type maps to one expr-lang expression evaluated with
// the current state bound to "state" and the action payload to "payload".
// Expressions have no side effects, so the compiled transitions are pure.
package reducers

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// ErrEmptyExpression is returned by Compile for an action without a body.
var ErrEmptyExpression = errors.New("reducers: expression must not be empty")

// Action is a dispatched event.
type Action struct {
	Type    string `json:"type" yaml:"type"`
	Payload any    `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Program holds the compiled expression of every action type.
type Program struct {
	programs map[string]*exprvm.Program
	sources  map[string]string
}

// Compile compiles one expression per action type.
func Compile(rules map[string]string) (*Program, error) {
	p := &Program{
		programs: make(map[string]*exprvm.Program, len(rules)),
		sources:  make(map[string]string, len(rules)),
	}
	for action, src := range rules {
		if src == "" {
			return nil, fmt.Errorf("action %q: %w", action, ErrEmptyExpression)
		}
		prog, err := exprlang.Compile(src,
			exprlang.Env(map[string]any{}),
			exprlang.AllowUndefinedVariables(),
		)
		if err != nil {
			return nil, fmt.Errorf("reducers: compile action %q: %w", action, err)
		}
		p.programs[action] = prog
		p.sources[action] = src
	}
	return p, nil
}

// Actions returns the known action types, sorted.
func (p *Program) Actions() []string {
	out := make([]string, 0, len(p.programs))
	for a := range p.programs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Transition returns the state produced by action. Unknown action types and
// failing expressions leave state unchanged.
func (p *Program) Transition(state any, action Action) any {
	prog, ok := p.programs[action.Type]
	if !ok {
		slog.Warn("reducers: unknown action", "action", action.Type)
		return state
	}
	out, err := exprlang.Run(prog, map[string]any{
		"state":   state,
		"payload": action.Payload,
	})
	if err != nil {
		slog.Warn("reducers: transition failed, state unchanged", "action", action.Type, "expression", p.sources[action.Type], "error", err)
		return state
	}
	return out
}
