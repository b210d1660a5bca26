package main

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/stepflow/pkg/pipeline"
)

func graphCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <pipeline.yaml|json|dot>",
		Short: "Print a human-readable summary of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}
			switch strings.ToLower(format) {
			case "dot":
				out, err := renderDOT(p)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
			case "text", "":
				fmt.Fprint(cmd.OutOrStdout(), renderText(p))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}

// truncate shortens s to maxLen runes, appending "…" if needed.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

// renderText produces the human-readable text summary.
func renderText(p *pipeline.Pipeline) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Pipeline: %s  (%d steps)\n", p.Name, len(p.Steps))
	if p.ID != "" {
		fmt.Fprintf(&sb, "ID:       %s\n", p.ID)
	}
	if p.Status != "" {
		fmt.Fprintf(&sb, "Status:   %s\n", p.Status)
	}

	maxIDLen := 4
	for _, s := range p.Steps {
		maxIDLen = max(maxIDLen, len(s.ID))
	}

	fmt.Fprintf(&sb, "\nSteps:\n")
	for i, s := range p.Steps {
		keys := make([]string, 0, len(s.Config))
		for k := range s.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			b, _ := json.Marshal(s.Config[k])
			parts = append(parts, k+"="+truncate(string(b), 60))
		}
		fmt.Fprintf(&sb, "  %d. %-*s  %-16s  %3ds  %s  %s\n",
			i+1, maxIDLen, s.ID, string(s.Type), s.TimeoutSeconds, s.Name, strings.Join(parts, " "))
	}
	return sb.String()
}

var dotID = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// dotQuote returns s as a DOT ID, quoting unless it is a plain identifier.
func dotQuote(s string) string {
	if dotID.MatchString(s) {
		return s
	}
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// renderDOT produces a DOT digraph that ParseDOT reads back into the same
// pipeline.
func renderDOT(p *pipeline.Pipeline) (string, error) {
	var sb strings.Builder

	name := p.Name
	if name == "" {
		name = "pipeline"
	}
	fmt.Fprintf(&sb, "digraph %s {\n", dotQuote(name))
	if p.ID != "" {
		fmt.Fprintf(&sb, "    id=%s\n", dotQuote(p.ID))
	}
	if p.Description != "" {
		fmt.Fprintf(&sb, "    description=%s\n", dotQuote(p.Description))
	}
	if p.Status != "" {
		fmt.Fprintf(&sb, "    status=%s\n", dotQuote(string(p.Status)))
	}

	for _, s := range p.Steps {
		parts := []string{
			"step_type=" + dotQuote(string(s.Type)),
			"name=" + dotQuote(s.Name),
			"timeout=" + strconv.Itoa(s.TimeoutSeconds),
		}
		if len(s.Config) > 0 {
			b, err := json.Marshal(s.Config)
			if err != nil {
				return "", fmt.Errorf("step %q: %w", s.ID, err)
			}
			parts = append(parts, "config="+dotQuote(string(b)))
		}
		fmt.Fprintf(&sb, "    %s [%s]\n", dotQuote(s.ID), strings.Join(parts, ", "))
	}

	for i := 1; i < len(p.Steps); i++ {
		fmt.Fprintf(&sb, "    %s -> %s\n", dotQuote(p.Steps[i-1].ID), dotQuote(p.Steps[i].ID))
	}

	fmt.Fprintf(&sb, "}\n")
	return sb.String(), nil
}
