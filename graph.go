package agentflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnboundedCycle is returned for definitions containing a cycle in which
// no edge carries an iteration bound.
var ErrUnboundedCycle = errors.New("unbounded cycle")

// validateGraph checks the structure of a definition: the entry exists, all
// references resolve, every non-terminal node is reachable from the entry
// and every cycle passes through a bounded edge.
func validateGraph(d *Definition) error {
	if _, ok := d.nodesByName[d.opts.Entry]; !ok {
		return fmt.Errorf("entry node %q not found", d.opts.Entry)
	}
	for _, node := range d.opts.Nodes {
		if err := validateNode(d, node); err != nil {
			return err
		}
	}
	for _, edge := range d.opts.Edges {
		if _, ok := d.nodesByName[edge.From]; !ok {
			return fmt.Errorf("edge from unknown node %q", edge.From)
		}
		if _, ok := d.nodesByName[edge.To]; !ok {
			return fmt.Errorf("edge %s->%s: node %q not found", edge.From, edge.To, edge.To)
		}
		if edge.MaxIterations < 0 {
			return fmt.Errorf("edge %s->%s: max_iterations must not be negative", edge.From, edge.To)
		}
	}

	reachable := reachableFrom(d, d.opts.Entry)
	for _, node := range d.opts.Nodes {
		if !reachable[node.Name] && !d.IsTerminal(node.Name) {
			return fmt.Errorf("node %q is not reachable from entry %q", node.Name, d.opts.Entry)
		}
	}
	return checkCycles(d)
}

func validateNode(d *Definition, node *Node) error {
	switch {
	case node.Quorum != nil:
		if node.Agent != "" {
			return fmt.Errorf("node %q: agent and quorum are mutually exclusive", node.Name)
		}
		if err := node.Quorum.validate(); err != nil {
			return fmt.Errorf("node %q: %w", node.Name, err)
		}
	case node.Agent == "":
		return fmt.Errorf("node %q: agent required", node.Name)
	}
	if node.Timeout < 0 {
		return fmt.Errorf("node %q: timeout must not be negative", node.Name)
	}
	if node.Quota != nil {
		if node.Quota.Service == "" {
			return fmt.Errorf("node %q: quota service required", node.Name)
		}
		if node.Quota.Cost < 0 {
			return fmt.Errorf("node %q: quota cost must not be negative", node.Name)
		}
	}
	for _, c := range node.Catch {
		if _, ok := d.nodesByName[c.Next]; !ok {
			return fmt.Errorf("node %q: catch target %q not found", node.Name, c.Next)
		}
		if len(c.ErrorEquals) == 0 {
			return fmt.Errorf("node %q: catch requires error_equals", node.Name)
		}
	}
	return nil
}

// successors lists every node a node may hand off to, including catch
// targets.
func successors(d *Definition, name string) []string {
	var next []string
	for _, edge := range d.outgoing[name] {
		next = append(next, edge.To)
	}
	if node, ok := d.nodesByName[name]; ok {
		for _, c := range node.Catch {
			next = append(next, c.Next)
		}
	}
	return next
}

func reachableFrom(d *Definition, entry string) map[string]bool {
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, next := range successors(d, name) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// checkCycles runs Kahn's algorithm over the unbounded edges. Catch handoffs
// count as unbounded edges. Nodes left with incoming edges lie on, or
// downstream of, a cycle that no iteration bound can stop.
func checkCycles(d *Definition) error {
	inDegree := make(map[string]int, len(d.nodesByName))
	adjacent := map[string][]string{}
	for name := range d.nodesByName {
		inDegree[name] = 0
	}
	addEdge := func(from, to string) {
		adjacent[from] = append(adjacent[from], to)
		inDegree[to]++
	}
	for _, edge := range d.opts.Edges {
		if !edge.Bounded() {
			addEdge(edge.From, edge.To)
		}
	}
	for _, node := range d.opts.Nodes {
		for _, c := range node.Catch {
			addEdge(node.Name, c.Next)
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	removed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		removed++
		for _, next := range adjacent[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if removed == len(inDegree) {
		return nil
	}
	var cyclic []string
	for name, degree := range inDegree {
		if degree > 0 {
			cyclic = append(cyclic, name)
		}
	}
	sort.Strings(cyclic)
	return fmt.Errorf("%w involving nodes %s: guard a back-edge with max_iterations",
		ErrUnboundedCycle, strings.Join(cyclic, ", "))
}
