package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	gographviz "github.com/awalterschulze/gographviz"
)

// defaultDOTTimeout applies to DOT nodes without a timeout attribute.
const defaultDOTTimeout = 30

// ParseDOT parses a Graphviz digraph whose edges form a single chain into a
// Pipeline. The chain order is the step order.
//
//	digraph text_cleanup {
//	    id="pipeline-cleanup"; status="ready"
//	    validate [step_type="text_processing", timeout=30, config="{\"operation\":\"validate\"}"]
//	    cleanup  [step_type="text_processing", config="{\"operation\":\"cleanup\"}"]
//	    validate -> cleanup
//	}
func ParseDOT(src string) (*Pipeline, error) {
	graphAst, err := gographviz.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("dot parse error: %w", err)
	}

	// Use a custom permissive graph collector that accepts any attribute name
	// without the strict validation that gographviz.Graph performs.
	collector := newDOTCollector()
	if err := gographviz.Analyse(graphAst, collector); err != nil {
		return nil, fmt.Errorf("dot analyse error: %w", err)
	}

	order, err := collector.chain()
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		ID:          collector.graphAttrs["id"],
		Name:        firstNonEmpty(collector.graphAttrs["name"], collector.graphAttrs["label"], collector.name),
		Description: collector.graphAttrs["description"],
		Status:      PipelineStatus(strings.ToLower(collector.graphAttrs["status"])),
	}
	if p.ID == "" {
		p.ID = collector.name
	}

	for _, id := range order {
		step, err := stepFromAttrs(id, collector.nodes[id])
		if err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, step)
	}
	return p, nil
}

func stepFromAttrs(id string, attrs map[string]string) (Step, error) {
	step := Step{
		ID:             id,
		Name:           firstNonEmpty(attrs["name"], attrs["label"], id),
		Type:           ParseStepType(firstNonEmpty(attrs["step_type"], attrs["type"])),
		TimeoutSeconds: defaultDOTTimeout,
		Config:         map[string]any{},
	}
	if raw := attrs["timeout"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Step{}, fmt.Errorf("node %q: timeout %q is not an integer", id, raw)
		}
		step.TimeoutSeconds = n
	}
	if raw := attrs["config"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &step.Config); err != nil {
			return Step{}, fmt.Errorf("node %q: config is not a JSON object: %w", id, err)
		}
	}
	return step, nil
}

// ─── permissive DOT collector ─────────────────────────────────────────────────

type rawEdge struct {
	from, to string
}

// dotCollector implements gographviz.Interface without attribute validation.
type dotCollector struct {
	name       string
	nodeOrder  []string
	nodes      map[string]map[string]string // id → attrs
	edges      []rawEdge
	graphAttrs map[string]string
}

func newDOTCollector() *dotCollector {
	return &dotCollector{
		nodes:      make(map[string]map[string]string),
		graphAttrs: make(map[string]string),
	}
}

func (c *dotCollector) SetStrict(_ bool) error { return nil }
func (c *dotCollector) SetDir(_ bool) error    { return nil }
func (c *dotCollector) SetName(n string) error { c.name = unquote(n); return nil }
func (c *dotCollector) String() string         { return c.name }

func (c *dotCollector) AddNode(_ string, name string, attrs map[string]string) error {
	id := c.ensureNode(name)
	for k, v := range attrs {
		c.nodes[id][k] = unquote(v)
	}
	return nil
}

func (c *dotCollector) ensureNode(name string) string {
	id := unquote(name)
	if _, ok := c.nodes[id]; !ok {
		c.nodes[id] = make(map[string]string)
		c.nodeOrder = append(c.nodeOrder, id)
	}
	return id
}

func (c *dotCollector) AddEdge(src, dst string, _ bool, _ map[string]string) error {
	from, to := c.ensureNode(src), c.ensureNode(dst)
	c.edges = append(c.edges, rawEdge{from: from, to: to})
	return nil
}

func (c *dotCollector) AddPortEdge(src, _, dst, _ string, directed bool, attrs map[string]string) error {
	return c.AddEdge(src, dst, directed, attrs)
}

func (c *dotCollector) AddAttr(_ string, field, value string) error {
	c.graphAttrs[field] = unquote(value)
	return nil
}

func (c *dotCollector) AddSubGraph(_, _ string, _ map[string]string) error { return nil }

// chain orders the collected nodes by following edges from the single node
// without an incoming edge.
func (c *dotCollector) chain() ([]string, error) {
	if len(c.nodeOrder) == 0 {
		return nil, nil
	}
	next := make(map[string]string, len(c.edges))
	incoming := make(map[string]int, len(c.nodes))
	for _, e := range c.edges {
		if _, dup := next[e.from]; dup {
			return nil, fmt.Errorf("node %q has more than one outgoing edge; steps must form a single chain", e.from)
		}
		next[e.from] = e.to
		incoming[e.to]++
		if incoming[e.to] > 1 {
			return nil, fmt.Errorf("node %q has more than one incoming edge; steps must form a single chain", e.to)
		}
	}

	var heads []string
	for _, id := range c.nodeOrder {
		if incoming[id] == 0 {
			heads = append(heads, id)
		}
	}
	if len(heads) != 1 {
		return nil, fmt.Errorf("steps must form a single chain; found %d chain heads", len(heads))
	}

	order := make([]string, 0, len(c.nodeOrder))
	seen := make(map[string]bool, len(c.nodeOrder))
	for id, ok := heads[0], true; ok; id, ok = next[id] {
		if seen[id] {
			return nil, fmt.Errorf("cycle detected at node %q", id)
		}
		seen[id] = true
		order = append(order, id)
	}
	if len(order) != len(c.nodeOrder) {
		return nil, fmt.Errorf("steps must form a single chain; %d of %d nodes are unreachable", len(c.nodeOrder)-len(order), len(c.nodeOrder))
	}
	return order, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// unquote strips surrounding double-quotes from a DOT attribute value and
// undoes \" and \\ escapes. Other backslash sequences are kept.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	s = s[1 : len(s)-1]
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
