package engine

import (
	"slices"
	"sort"

	"github.com/rendis/bpelrt/pkg/schema"
)

// deployment is a process prepared for routing.
type deployment struct {
	key     string
	proc    *schema.Process
	links   map[string]*schema.PartnerLink
	creates map[string]bool
}

type opRef struct {
	partnerLink string
	operation   string
}

func (o opRef) String() string {
	return o.partnerLink + "." + o.operation
}

func opKey(partnerLink, operation string) string {
	return partnerLink + "." + operation
}

func newDeployment(proc *schema.Process) (*deployment, error) {
	if proc == nil || proc.Root == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidProcess, "process has no root scope")
	}
	dep := &deployment{
		key:     proc.Name.Local,
		proc:    proc,
		links:   make(map[string]*schema.PartnerLink),
		creates: make(map[string]bool),
	}
	if dep.key == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidProcess, "process has no name")
	}
	for _, sc := range proc.Scopes() {
		for name, pl := range sc.PartnerLinks {
			if _, ok := dep.links[name]; !ok {
				dep.links[name] = pl
			}
		}
	}
	for _, a := range proc.Activities() {
		pick, ok := a.Body.(*schema.Pick)
		if !ok || !pick.CreateInstance {
			continue
		}
		for _, om := range pick.OnMessages {
			dep.creates[opKey(om.PartnerLink.Name, om.Operation.Name)] = true
		}
	}
	return dep, nil
}

// operation looks up an operation the process offers on a partner link.
func (d *deployment) operation(partnerLink, operation string) (*schema.PartnerLink, *schema.Operation, error) {
	pl, ok := d.links[partnerLink]
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "process %s has no partner link %q", d.key, partnerLink)
	}
	op, ok := pl.Operations[operation]
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "partner link %s has no operation %q", partnerLink, operation)
	}
	return pl, op, nil
}

// createOps returns the instance-creating operations in name order.
func (d *deployment) createOps() []opRef {
	out := make([]opRef, 0, len(d.creates))
	for _, a := range d.proc.Activities() {
		pick, ok := a.Body.(*schema.Pick)
		if !ok || !pick.CreateInstance {
			continue
		}
		for _, om := range pick.OnMessages {
			ref := opRef{om.PartnerLink.Name, om.Operation.Name}
			if !slices.Contains(out, ref) {
				out = append(out, ref)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// myService is the service name under which the process answers on pl.
// A link without a partner role may name its service; links that also
// call back are addressed per process.
func (d *deployment) myService(pl *schema.PartnerLink) string {
	if pl.Service != "" && !pl.HasPartnerRole() {
		return pl.Service
	}
	return d.key + "/" + pl.Name
}
