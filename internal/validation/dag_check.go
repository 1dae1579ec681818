package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/bpelrt/pkg/schema"
)

// validateLinks performs graph analysis on flow links: links must not cross
// into loops or forEach bodies, must not connect an activity to its own
// descendant, and must not form cycles (Kahn's algorithm per enclosing
// activity).
func validateLinks(p *schema.Process) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// edges[parent][a] = siblings under parent that a must precede.
	edges := make(map[*schema.Activity]map[*schema.Activity][]*schema.Activity)

	for _, a := range p.Activities() {
		flow, ok := a.Body.(*schema.Flow)
		if !ok {
			continue
		}
		for _, l := range flow.Links {
			if l.Source == nil || l.Target == nil {
				continue // reported by the loader
			}
			path := fmt.Sprintf("%s.links[%s]", pathOf(a), l.Name)
			if r := repeatableBetween(l.Source, a); r != nil {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("link %q leaves repeatable activity %s", l.Name, r))
			}
			if r := repeatableBetween(l.Target, a); r != nil {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("link %q enters repeatable activity %s", l.Name, r))
			}

			parent, from, to := divergence(l.Source, l.Target)
			if from == nil || to == nil {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("link %q connects an activity with its own descendant", l.Name))
				continue
			}
			if edges[parent] == nil {
				edges[parent] = make(map[*schema.Activity][]*schema.Activity)
			}
			edges[parent][from] = append(edges[parent][from], to)
		}
	}

	// Sort parents for deterministic output.
	parents := make([]*schema.Activity, 0, len(edges))
	for parent := range edges {
		parents = append(parents, parent)
	}
	sort.Slice(parents, func(i, j int) bool { return parents[i].ID < parents[j].ID })

	for _, parent := range parents {
		if hasCycle(edges[parent]) {
			result.AddError(pathOf(parent), schema.ErrCodeCycleDetected,
				fmt.Sprintf("links under %s form a cycle", parent))
		}
	}
	return result
}

// repeatableBetween returns the first while, repeatUntil or forEach strictly
// between a and its declaring flow, or nil.
func repeatableBetween(a, flow *schema.Activity) *schema.Activity {
	for cur := a.Parent; cur != nil && cur != flow; cur = cur.Parent {
		switch cur.Kind {
		case schema.KindWhile, schema.KindRepeatUntil, schema.KindForEach:
			return cur
		}
	}
	return nil
}

// divergence finds the lowest common ancestor of a and b and the children of
// it containing each. from or to is nil when one contains the other.
func divergence(a, b *schema.Activity) (parent, from, to *schema.Activity) {
	ancestors := make(map[*schema.Activity]*schema.Activity)
	var child *schema.Activity
	for cur := a; cur != nil; cur = cur.Parent {
		ancestors[cur] = child
		child = cur
	}
	child = nil
	for cur := b; cur != nil; cur = cur.Parent {
		if fromChild, ok := ancestors[cur]; ok {
			return cur, fromChild, child
		}
		child = cur
	}
	return nil, nil, nil
}

// hasCycle runs Kahn's algorithm over the sibling graph.
func hasCycle(edges map[*schema.Activity][]*schema.Activity) bool {
	inDegree := make(map[*schema.Activity]int)
	for from, tos := range edges {
		if _, ok := inDegree[from]; !ok {
			inDegree[from] = 0
		}
		for _, to := range tos {
			inDegree[to]++
		}
	}

	queue := make([]*schema.Activity, 0, len(inDegree))
	for n, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, n)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range edges[node] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	return visited != len(inDegree)
}
