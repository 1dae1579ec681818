package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rendis/bpelrt/pkg/schema"
)

// readVariable reads a variable through its external binding when it has
// one. ok is false for a variable that holds no value.
func (in *Interpreter) readVariable(frame FrameID, v *schema.Variable) (any, bool, error) {
	if v.External != nil {
		if v.External.Related == nil {
			panic(invalidProcessf("external variable %q has no reference variable", v.Name))
		}
		ref, ok, err := in.rt.ReadVariable(in.frames.Variable(frame, v.External.Related))
		if err != nil || !ok || ref == nil {
			return nil, false, err
		}
		val, err := in.rt.ReadExtVar(v, ref)
		if err != nil || val == nil {
			return nil, false, err
		}
		return val, true, nil
	}
	return in.rt.ReadVariable(in.frames.Variable(frame, v))
}

// fetchVariable returns the value of an initialized variable. Message
// variables without parts are always initialized.
func (in *Interpreter) fetchVariable(frame FrameID, v *schema.Variable) (any, error) {
	val, ok, err := in.readVariable(frame, v)
	if err != nil {
		return nil, err
	}
	if !ok {
		if v.Kind == schema.VariableMessage && v.MessageType != nil && len(v.MessageType.Parts) == 0 {
			return schema.Message{}, nil
		}
		return nil, NewFaultf(schema.FaultUninitializedVariable, "variable %s is not initialized", v.Name)
	}
	return val, nil
}

func (in *Interpreter) isInitialized(frame FrameID, v *schema.Variable) (bool, error) {
	_, ok, err := in.readVariable(frame, v)
	return ok, err
}

// writeVariable stores a value. External variables are written through
// their engine and the returned reference is kept in the related variable.
func (in *Interpreter) writeVariable(frame FrameID, v *schema.Variable, value any) error {
	if v.External != nil {
		if v.External.Related == nil {
			panic(invalidProcessf("external variable %q has no reference variable", v.Name))
		}
		rel := in.frames.Variable(frame, v.External.Related)
		ref, _, err := in.rt.ReadVariable(rel)
		if err != nil {
			return err
		}
		newRef, err := in.rt.WriteExtVar(v, ref, value)
		if err != nil {
			return err
		}
		return in.rt.WriteVariable(rel, newRef)
	}
	return in.rt.WriteVariable(in.frames.Variable(frame, v), value)
}

// evalData builds the expression input: every variable visible from frame
// by name, nil when uninitialized.
func (in *Interpreter) evalData(frame FrameID) (map[string]any, error) {
	vars := in.frames.Visible(frame)
	data := make(map[string]any, len(vars))
	for _, vi := range vars {
		val, ok, err := in.readVariable(frame, vi.Decl)
		if err != nil {
			return nil, err
		}
		if !ok {
			data[vi.Decl.Name] = nil
			continue
		}
		data[vi.Decl.Name] = val
	}
	return data, nil
}

// asMessage views a variable value as a message.
func asMessage(v any) (schema.Message, bool) {
	switch m := v.(type) {
	case schema.Message:
		return m, true
	case map[string]any:
		return schema.Message(m), true
	case nil:
		return nil, false
	}
	return nil, false
}

// Querier runs jq queries; ExpressionRuntime implements it.
type Querier interface {
	Query(ctx context.Context, query string, input any) (any, bool, error)
}

// ComputeCorrelationKey computes the value of cs from a message of type mt
// through the process's property aliases.
func ComputeCorrelationKey(ctx context.Context, q Querier, proc *schema.Process, cs *schema.CorrelationSet, mt *schema.MessageType, msg schema.Message) (schema.CorrelationKey, error) {
	key := schema.CorrelationKey{Set: cs.Name}
	if mt == nil {
		return key, NewFaultf(schema.FaultSelectionFailure, "correlation set %s: message has no type", cs.Name)
	}
	for _, p := range cs.Properties {
		alias := proc.Alias(p.Name, mt.Name)
		if alias == nil {
			return key, invalidProcessf("no property alias for %s on message type %s", p.Name, mt.Name)
		}
		val, ok := msg[alias.Part]
		if !ok {
			return key, NewFaultf(schema.FaultSelectionFailure, "property %s: message has no part %q", p.Name, alias.Part)
		}
		if alias.Query != "" {
			found := false
			var err error
			val, found, err = q.Query(ctx, alias.Query, val)
			if err != nil {
				return key, NewFaultf(schema.FaultSelectionFailure, "property %s: %v", p.Name, err)
			}
			if !found {
				return key, NewFaultf(schema.FaultSelectionFailure, "property %s: query %q selected nothing", p.Name, alias.Query)
			}
		}
		if val == nil {
			return key, NewFaultf(schema.FaultSelectionFailure, "property %s is null", p.Name)
		}
		key.Values = append(key.Values, propertyString(val))
	}
	return key, nil
}

func propertyString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

type correlationMode int

const (
	correlationInit correlationMode = iota
	correlationJoin
)

// initCorrelations computes and stores the values of sets from msg. An
// initiated set that already holds a value is a correlation violation; a
// joined set keeps its existing value.
func (a *activity) initCorrelations(sets []*schema.CorrelationSet, mode correlationMode, mt *schema.MessageType, msg schema.Message) error {
	for _, cs := range sets {
		csi := a.in.frames.CorrelationSet(a.frame, cs)
		_, initialized, err := a.rt().ReadCorrelation(csi)
		if err != nil {
			return err
		}
		if initialized {
			if mode == correlationInit {
				return NewFaultf(schema.FaultCorrelationViolation, "correlation set %s is already initialized", cs.Name)
			}
			continue
		}
		key, err := ComputeCorrelationKey(a.in.ctx, a.rt().Expressions(), a.in.proc, cs, mt, msg)
		if err != nil {
			return err
		}
		if err := a.rt().WriteCorrelation(csi, key); err != nil {
			return err
		}
		a.sendEvent(schema.ProcessEvent{
			Type:    schema.EventCorrelationSet,
			Details: map[string]any{"set": cs.Name, "key": key.String()},
		})
	}
	return nil
}

// extensionContext exposes the variables visible from an activity to an
// extension handler.
type extensionContext struct {
	a *activity
}

func (c extensionContext) Context() context.Context {
	return c.a.in.ctx
}

func (c extensionContext) ActivityName() string {
	return c.a.o().Name
}

func (c extensionContext) InstanceID() int64 {
	return c.a.rt().InstanceID()
}

func (c extensionContext) lookup(name string) (*schema.Variable, error) {
	for _, vi := range c.a.in.frames.Visible(c.a.frame) {
		if vi.Decl.Name == name {
			return vi.Decl, nil
		}
	}
	return nil, NewFaultf(schema.FaultSelectionFailure, "variable %s is not visible from %s", name, c.a.o())
}

func (c extensionContext) ReadVariable(name string) (any, error) {
	v, err := c.lookup(name)
	if err != nil {
		return nil, err
	}
	return c.a.fetchVariable(v)
}

func (c extensionContext) WriteVariable(name string, value any) error {
	v, err := c.lookup(name)
	if err != nil {
		return err
	}
	return c.a.writeVariable(v, value)
}
