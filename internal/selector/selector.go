// Package selector compiles and evaluates the CEL selector expressions a
// plugin manifest attaches to each HandleEvent(_) capability (spec §4.5),
// deciding whether that capability's handler should be invoked for a given
// event. It is modeled directly on Caddy's http.matchers.expression module
// (modules/caddyhttp/celmatcher.go), generalized from Caddy's single
// *http.Request activation to one CEL environment per event kind, matching
// the four distinct activation shapes the original Rust implementation
// binds (events::mod::register_in_cel_env / bind_to_cel_activation).
package selector

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/witmproxy/witmproxy/internal/httpevent"
	"github.com/witmproxy/witmproxy/internal/pluginapi"
)

// rootVar is the CEL variable name bound to the event-specific activation
// map, mirroring Caddy's single "request" variable name but reused across
// all four environments since each is scoped to exactly one event kind.
const rootVar = "event"

// Program is a compiled selector expression, bound to the EventKind whose
// environment it was compiled against. It satisfies the `any` stored in
// pluginapi.Capability.Compiled; callers recover it with AsProgram.
type Program struct {
	kind pluginapi.EventKind
	expr string
	prg  cel.Program
}

// Kind returns the event kind p was compiled for.
func (p *Program) Kind() pluginapi.EventKind { return p.kind }

// Expr returns the original selector expression text.
func (p *Program) Expr() string { return p.expr }

// AsProgram type-asserts a pluginapi.Capability.Compiled value back to
// *Program, returning ok=false if it's nil or the wrong type (e.g. the
// capability was never compiled, or is a non-handler service capability).
func AsProgram(compiled any) (*Program, bool) {
	p, ok := compiled.(*Program)
	return p, ok
}

// environments holds one compiled *cel.Env per event kind, built once at
// package init since the declared variable shape never changes across
// compilations (only the expression text does, per plugin).
var environments map[pluginapi.EventKind]*cel.Env

func init() {
	environments = make(map[pluginapi.EventKind]*cel.Env, 4)
	for _, kind := range []pluginapi.EventKind{
		pluginapi.EventConnect,
		pluginapi.EventRequest,
		pluginapi.EventResponse,
		pluginapi.EventInboundContent,
	} {
		env, err := cel.NewEnv(
			cel.Variable(rootVar, cel.MapType(cel.StringType, cel.DynType)),
		)
		if err != nil {
			// The variable declaration above is static and known-valid;
			// a failure here means cel-go itself is broken.
			panic(fmt.Sprintf("selector: building CEL environment for %s: %v", kind, err))
		}
		environments[kind] = env
	}
}

// Compile parses and type-checks expr against kind's environment, and
// compiles it into an evaluable Program. It is called once per manifest
// capability at registry registration time (spec §4.3), not per request.
func Compile(kind pluginapi.EventKind, expr string) (*Program, error) {
	env, ok := environments[kind]
	if !ok {
		return nil, fmt.Errorf("selector: no CEL environment for event kind %v", kind)
	}

	checked, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("selector: compiling expression %q: %w", expr, issues.Err())
	}
	if checked.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("selector: expression %q must evaluate to bool, got %s", expr, checked.OutputType())
	}

	prg, err := env.Program(checked, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return nil, fmt.Errorf("selector: building program for %q: %w", expr, err)
	}
	return &Program{kind: kind, expr: expr, prg: prg}, nil
}

// Eval runs p against ev, returning true if ev's capability should fire.
// Evaluation errors (a field accessed that the activation doesn't carry,
// a runtime type mismatch) are returned as (false, err); the dispatcher
// logs them and treats the plugin as a non-match rather than aborting
// dispatch, matching Caddy's MatchExpression.Match log-and-false outcome.
func (p *Program) Eval(_ context.Context, ev *httpevent.Event) (bool, error) {
	if ev.Kind() != p.kind {
		return false, fmt.Errorf("selector: program compiled for %s evaluated against %s event", p.kind, ev.Kind())
	}
	activation := activationFor(ev)
	out, _, err := p.prg.Eval(map[string]any{rootVar: activation})
	if err != nil {
		return false, fmt.Errorf("selector: evaluating %q: %w", p.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("selector: expression %q did not evaluate to bool", p.expr)
	}
	return b, nil
}
