// Package dispatch runs the event pipeline: given an event, it walks the
// registry's candidate plugins for that event's kind in registration
// order, evaluates each candidate's selector, invokes matching guests, and
// applies their returned mutation according to the per-event-kind rules
// spec §4.6 describes (Connect: allow/deny only; Request: may short
// circuit with a synthetic Response; Response: may replace; InboundContent:
// replaces the body stream only). Grounded on the original Rust
// implementation's events/mod.rs dispatch loop and EventKind::validate_output.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/witmproxy/witmproxy/internal/httpevent"
	"github.com/witmproxy/witmproxy/internal/metrics"
	"github.com/witmproxy/witmproxy/internal/pluginapi"
	"github.com/witmproxy/witmproxy/internal/proxyerr"
	"github.com/witmproxy/witmproxy/internal/selector"
)

// CandidateSource is the subset of internal/registry.Registry dispatch
// depends on, kept narrow so this package can be tested without a real
// wasmhost runtime or registry.
type CandidateSource interface {
	Candidates(kind pluginapi.EventKind) []*pluginapi.Plugin
}

// Invoker runs one plugin's handler against an event and returns the
// guest's raw handle() JSON result (or nil for a Skip/no-op), matching
// *wasmhost.Instance.Handle's shape without depending on wasmhost
// directly.
type Invoker interface {
	Invoke(ctx context.Context, plugin *pluginapi.Plugin, kind pluginapi.EventKind, payload []byte) ([]byte, error)
}

// Result is the outcome of dispatching one event.
type Result struct {
	// Event is the (possibly mutated) event after every matching plugin has
	// run, or after a Done verdict stopped the walk early.
	Event *httpevent.Event
	// ConnectAllow is meaningful only for Connect events: nil means no
	// plugin expressed an opinion (the caller's default applies), false
	// means some plugin explicitly denied the tunnel.
	ConnectAllow *bool
	// Invoked lists, in invocation order, the plugin IDs that actually ran
	// (selector matched and the invocation returned without error); a
	// plugin whose invocation failed and was skipped is not listed.
	Invoked []string
}

// Dispatcher wires a CandidateSource and an Invoker into the event pipeline.
type Dispatcher struct {
	candidates CandidateSource
	invoke     Invoker
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// New builds a Dispatcher.
func New(candidates CandidateSource, invoke Invoker, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{candidates: candidates, invoke: invoke, log: log.Named("dispatch")}
}

// SetMetrics attaches a collaborator to record plugin invocation outcomes
// and per-kind dispatch latency. Not safe to call concurrently with
// Dispatch. A Dispatcher with no metrics attached simply skips recording.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// Dispatch runs ev through every enabled candidate plugin for ev.Kind(), in
// registration order, applying mutations and stopping early on Done. A
// per-plugin runtime failure (fuel exhaustion, trap, timeout, OOM) is
// logged and skipped rather than aborting the whole dispatch, per spec §7.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *httpevent.Event) (*Result, error) {
	kind := ev.Kind()
	result := &Result{Event: ev}

	if d.metrics != nil {
		stop := d.metrics.DispatchTimer(kind)
		defer stop()
	}

	var bodyState *inboundBodyState
	if kind == pluginapi.EventInboundContent && ev.InboundContent.Response.Body != nil {
		var err error
		bodyState, err = newInboundBodyState(ev.InboundContent.Response.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading inbound content body: %v", proxyerr.ErrDispatchState, err)
		}
	}

	for _, plugin := range d.candidates.Candidates(kind) {
		matched, err := matches(ctx, plugin, kind, ev)
		if err != nil {
			d.log.Warn("selector evaluation failed, skipping plugin for this event",
				zap.String("plugin", plugin.ID()), zap.Error(err))
			continue
		}
		if !matched {
			continue
		}

		payload, err := ev.Marshal()
		if err != nil {
			return nil, fmt.Errorf("%w: marshaling event for %s: %v", proxyerr.ErrDispatchState, plugin.ID(), err)
		}

		var raw []byte
		var replaced []byte
		var wrote bool
		if bodyState != nil {
			bodyInvoker, ok := d.invoke.(BodyInvoker)
			if !ok {
				return nil, fmt.Errorf("%w: invoker does not support inbound-content body streaming", proxyerr.ErrDispatchState)
			}
			raw, replaced, wrote, err = bodyInvoker.InvokeBody(ctx, plugin, kind, payload, bodyState.current)
		} else {
			raw, err = d.invoke.Invoke(ctx, plugin, kind, payload)
		}
		if d.metrics != nil {
			d.metrics.ObservePluginInvocation(kind, err)
		}
		if err != nil {
			if proxyerr.IsPluginFailure(err) {
				d.log.Warn("plugin invocation failed, skipping", zap.String("plugin", plugin.ID()), zap.Error(err))
				continue
			}
			return nil, err
		}
		result.Invoked = append(result.Invoked, plugin.ID())

		guestReturn, err := httpevent.UnmarshalGuestReturn(raw)
		if err != nil {
			d.log.Warn("plugin returned undecodable result, skipping", zap.String("plugin", plugin.ID()), zap.Error(err))
			continue
		}

		if err := httpevent.ValidateWireOutput(kind, guestReturn.Event); err != nil {
			return nil, fmt.Errorf("plugin %s: %w", plugin.ID(), err)
		}

		switch guestReturn.Verdict {
		case httpevent.VerdictSkip:
			if d.metrics != nil {
				d.metrics.ObservePluginSkipped(kind)
			}
			continue
		case httpevent.VerdictNext, httpevent.VerdictDone:
			if wrote {
				bodyState.current = replaced
				bodyState.changed = true
			}
			if kind == pluginapi.EventConnect {
				if guestReturn.Allow != nil {
					result.ConnectAllow = guestReturn.Allow
				}
			} else if guestReturn.Event != nil {
				httpevent.ApplyWireMutation(result.Event, guestReturn.Event)
				applyShortCircuit(result, guestReturn.Event)
			}
			if guestReturn.Verdict == httpevent.VerdictDone {
				if bodyState != nil {
					if err := finalizeInboundBody(ctx, result.Event.InboundContent.Response, bodyState); err != nil {
						return nil, err
					}
				}
				return result, nil
			}
		default:
			d.log.Warn("plugin returned unknown verdict, treating as skip",
				zap.String("plugin", plugin.ID()), zap.String("verdict", string(guestReturn.Verdict)))
		}

		if result.ConnectAllow != nil && !*result.ConnectAllow {
			// A Connect deny is terminal: no further plugin gets a say.
			return result, nil
		}
	}

	if bodyState != nil {
		if err := finalizeInboundBody(ctx, result.Event.InboundContent.Response, bodyState); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// applyShortCircuit implements the Request-handler special case: a
// HandleEvent(request) plugin may return a Response instead of a mutated
// Request, which replaces the whole event (skipping the upstream round
// trip entirely, spec §4.6).
func applyShortCircuit(result *Result, replacement *httpevent.WireEvent) {
	if result.Event.Request == nil || replacement.Response == nil {
		return
	}
	resp := httpevent.NewResponse()
	resp.StatusCode = replacement.Response.StatusCode
	resp.Proto = replacement.Response.Proto
	for k, values := range replacement.Response.Headers {
		for _, v := range values {
			resp.Headers.Add(k, v)
		}
	}
	result.Event = httpevent.NewResponseEvent(resp)
}

func matches(ctx context.Context, plugin *pluginapi.Plugin, kind pluginapi.EventKind, ev *httpevent.Event) (bool, error) {
	for _, capability := range plugin.CapabilitiesOf(pluginapi.HandleEventCapability(kind)) {
		if capability.Selector == "" {
			return true, nil
		}
		prg, ok := selector.AsProgram(capability.Compiled)
		if !ok {
			return false, fmt.Errorf("capability %s has no compiled selector", capability)
		}
		matched, err := prg.Eval(ctx, ev)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}
