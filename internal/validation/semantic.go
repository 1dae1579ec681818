package validation

import (
	"fmt"

	"github.com/rendis/bpelrt/pkg/schema"
)

// handlerKind classifies the handler an activity is nested in.
type handlerKind int

const (
	inBody handlerKind = iota
	inCatch
	inCompensation
	inEvent
)

// handlerRoot records the owning scope activity of a handler.
type handlerRoot struct {
	owner *schema.Activity
	kind  handlerKind
}

// validateSemantic performs semantic analysis on a compiled process.
// Checks: expression languages and extensions available, catch uniqueness,
// rethrow/compensate placement, compensateScope targets, isolated scope
// nesting, start activities, reply operations.
func validateSemantic(p *schema.Process, languages LanguageLookup, extensions ExtensionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	roots := handlerRoots(p)

	starts := 0
	for _, a := range p.Activities() {
		path := pathOf(a)

		for _, e := range expressionsOf(a) {
			if languages != nil && !languages.Has(e.Language) {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("expression language %q is not available", e.Language))
			}
		}

		if fh := a.EffectiveFailureHandling(); fh != nil && a.FailureHandling == fh && fh.RetryFor > 10 {
			result.AddWarning(path+".failureHandling.retryFor", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", fh.RetryFor))
		}

		switch body := a.Body.(type) {
		case *schema.Extension:
			if extensions != nil && !extensions.HasExtension(body.Name) {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("extension %s is not registered", body.Name))
			}
		case *schema.Assign:
			for i, op := range body.Operations {
				ea, ok := op.(*schema.ExtensionAssign)
				if ok && extensions != nil && !extensions.HasExtension(ea.Name) {
					result.AddError(fmt.Sprintf("%s.copy[%d]", path, i), schema.ErrCodeValidation,
						fmt.Sprintf("assign extension %s is not registered", ea.Name))
				}
			}
		case *schema.Scope:
			validateScope(a, body, result)
		case *schema.Pick:
			if body.CreateInstance {
				starts++
				if len(a.Targets) > 0 {
					result.AddError(path, schema.ErrCodeValidation,
						"a createInstance activity cannot be the target of a link")
				}
			}
			for _, om := range body.OnMessages {
				if om.PartnerLink != nil && !om.PartnerLink.HasMyRole() {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("partner link %q has no myRole to receive on", om.PartnerLink.Name))
				}
			}
		case *schema.Reply:
			if body.Operation.OneWay() {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("operation %q is one-way and cannot be replied to", body.Operation.Name))
			}
		case *schema.Rethrow:
			if r, ok := enclosingHandler(a, roots); !ok || r.kind != inCatch {
				result.AddError(path, schema.ErrCodeValidation, "rethrow is only allowed in a fault handler")
			}
		case *schema.Compensate:
			if r, ok := enclosingHandler(a, roots); !ok || (r.kind != inCatch && r.kind != inCompensation) {
				result.AddError(path, schema.ErrCodeValidation,
					"compensate is only allowed in a fault or compensation handler")
			}
		case *schema.CompensateScope:
			validateCompensateScope(a, body, roots, result)
		}
	}

	// Such processes are still started directly or by a cron schedule.
	if starts == 0 {
		result.AddWarning("/", schema.ErrCodeValidation,
			"process has no createInstance receive or pick; instances start only when started directly")
	}
	return result
}

func validateScope(a *schema.Activity, s *schema.Scope, result *schema.ValidationResult) {
	path := pathOf(a)
	if s.Isolated {
		for cur := a.Parent; cur != nil; cur = cur.Parent {
			if outer := cur.Scope(); outer != nil && outer.Isolated {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("isolated scope nested in isolated scope %s", cur))
				break
			}
		}
	}
	if s.FaultHandler == nil {
		return
	}

	type catchKey struct {
		name    schema.QName
		msgType *schema.MessageType
		element schema.QName
	}
	seen := make(map[catchKey]bool, len(s.FaultHandler.Catches))
	catchAll := 0
	for i, c := range s.FaultHandler.Catches {
		if c.CatchAll() && c.FaultMessageType == nil && c.FaultElement.IsZero() {
			catchAll++
			continue
		}
		k := catchKey{c.FaultName, c.FaultMessageType, c.FaultElement}
		if seen[k] {
			result.AddError(fmt.Sprintf("%s.faultHandlers[%d]", path, i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate catch for fault %s", c.FaultName))
		}
		seen[k] = true
	}
	if catchAll > 1 {
		result.AddError(path+".faultHandlers", schema.ErrCodeValidation, "more than one catchAll")
	}
}

// validateCompensateScope checks that the target is a scope directly
// enclosed by the scope owning the handler.
func validateCompensateScope(a *schema.Activity, body *schema.CompensateScope, roots map[*schema.Activity]handlerRoot, result *schema.ValidationResult) {
	path := pathOf(a)
	r, ok := enclosingHandler(a, roots)
	if !ok || (r.kind != inCatch && r.kind != inCompensation) {
		result.AddError(path, schema.ErrCodeValidation,
			"compensateScope is only allowed in a fault or compensation handler")
		return
	}
	if body.Target == nil {
		return
	}
	if enclosingScope(body.Target) != r.owner {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("compensateScope target %s is not an immediate child scope of %s", body.Target, r.owner))
	}
}

func handlerRoots(p *schema.Process) map[*schema.Activity]handlerRoot {
	roots := make(map[*schema.Activity]handlerRoot)
	for _, a := range p.Activities() {
		s := a.Scope()
		if s == nil {
			continue
		}
		if s.FaultHandler != nil {
			for _, c := range s.FaultHandler.Catches {
				roots[c.Activity] = handlerRoot{owner: a, kind: inCatch}
			}
		}
		if s.CompensationHandler != nil {
			roots[s.CompensationHandler] = handlerRoot{owner: a, kind: inCompensation}
		}
		if s.EventHandler != nil {
			for _, al := range s.EventHandler.OnAlarms {
				roots[al.Activity] = handlerRoot{owner: a, kind: inEvent}
			}
			for _, ev := range s.EventHandler.OnEvents {
				roots[ev.Activity] = handlerRoot{owner: a, kind: inEvent}
			}
		}
	}
	return roots
}

// enclosingHandler returns the innermost handler containing a.
func enclosingHandler(a *schema.Activity, roots map[*schema.Activity]handlerRoot) (handlerRoot, bool) {
	for cur := a; cur != nil; cur = cur.Parent {
		if r, ok := roots[cur]; ok {
			return r, true
		}
	}
	return handlerRoot{}, false
}

// enclosingScope returns the nearest scope activity strictly above a.
func enclosingScope(a *schema.Activity) *schema.Activity {
	for cur := a.Parent; cur != nil; cur = cur.Parent {
		if cur.Kind == schema.KindScope {
			return cur
		}
	}
	return nil
}

// expressionsOf lists the expressions an activity evaluates itself.
func expressionsOf(a *schema.Activity) []*schema.Expression {
	var out []*schema.Expression
	add := func(es ...*schema.Expression) {
		for _, e := range es {
			if e != nil {
				out = append(out, e)
			}
		}
	}
	add(a.JoinCondition)
	for _, l := range a.Sources {
		add(l.TransitionCondition)
	}
	switch body := a.Body.(type) {
	case *schema.If:
		for _, b := range body.Branches {
			add(b.Condition)
		}
	case *schema.While:
		add(body.Condition)
	case *schema.RepeatUntil:
		add(body.Condition)
	case *schema.Wait:
		add(body.For, body.Until)
	case *schema.Pick:
		for _, al := range body.OnAlarms {
			add(al.For, al.Until)
		}
	case *schema.Scope:
		if body.EventHandler != nil {
			for _, al := range body.EventHandler.OnAlarms {
				add(al.For, al.Until, al.RepeatEvery)
			}
		}
	case *schema.ForEach:
		add(body.StartCounter, body.FinalCounter)
		if body.CompletionCondition != nil {
			add(body.CompletionCondition.BranchCount)
		}
	case *schema.Assign:
		for _, op := range body.Operations {
			if c, ok := op.(*schema.Copy); ok && c.From != nil {
				add(c.From.Expression)
			}
		}
	}
	return out
}

func pathOf(a *schema.Activity) string {
	if a.Line > 0 {
		return fmt.Sprintf("%s@%d", a, a.Line)
	}
	return a.String()
}
