package plan

import (
	"fmt"
	"strings"
)

// Render produces a Mermaid flowchart of the finalized plan.
//
// Layer plans are nested subgraphs. Node labels carry the step id, owning
// layer plan, kind and name, flags and polymorphic paths. Edge styles:
//
//	-->   dependency within the same layer plan
//	-.->  dependency on a copied ancestor column
//	==>   row-defining step into a partition's Item step
//	--o   fan-in from a child layer plan step
//	-.-   implicit ordering
//
// Output is a pure function of the plan.
func Render(p *Plan) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("graph TD\n")
	renderLayer(&b, p, p.Root(), 1)

	for _, s := range p.Steps() {
		for _, d := range s.Dependencies {
			dep := p.Step(d)
			switch {
			case s.Kind == KindItem:
				fmt.Fprintf(&b, "  S%d ==> S%d\n", d, s.ID)
			case dep.LayerPlan != s.LayerPlan:
				fmt.Fprintf(&b, "  S%d -.-> S%d\n", d, s.ID)
			default:
				fmt.Fprintf(&b, "  S%d --> S%d\n", d, s.ID)
			}
		}
		for _, d := range s.Ordering {
			fmt.Fprintf(&b, "  S%d -.- S%d\n", d, s.ID)
		}
		for _, f := range s.FanIn {
			fmt.Fprintf(&b, "  S%d --o S%d\n", f.Step, s.ID)
		}
	}
	return b.String()
}

func renderLayer(b *strings.Builder, p *Plan, lp *LayerPlan, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, "%ssubgraph LP%d[\"LayerPlan %d: %s\"]\n", indent, lp.ID, lp.ID, escapeLabel(lp.Reason.String()))
	if len(lp.CopyStepIDs) > 0 {
		fmt.Fprintf(b, "%s  %%%% copies %s\n", indent, joinIDs(lp.CopyStepIDs))
	}
	for i, ph := range lp.Phases {
		tag := ""
		if ph.Exclusive {
			tag = " exclusive"
		}
		fmt.Fprintf(b, "%s  %%%% phase %d%s: %s\n", indent, i, tag, joinIDs(ph.Steps))
	}
	for _, id := range lp.Steps {
		s := p.Step(id)
		lb, rb := "[\"", "\"]"
		if s.HasSideEffects {
			lb, rb = "{{\"", "\"}}"
		}
		fmt.Fprintf(b, "%s  S%d%s%s%s\n", indent, s.ID, lb, stepLabel(s), rb)
	}
	for _, cid := range lp.Children {
		renderLayer(b, p, p.LayerPlan(cid), depth+1)
	}
	fmt.Fprintf(b, "%send\n", indent)
}

func stepLabel(s *Step) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s[%d@%d]", s.Kind, s.ID, s.LayerPlan)
	if s.Name != "" && s.Name != s.Kind.String() {
		sb.WriteString(" ")
		sb.WriteString(escapeLabel(s.Name))
	}
	var flags []string
	if s.SyncAndSafe {
		flags = append(flags, "syncSafe")
	}
	if s.HasSideEffects {
		flags = append(flags, "sideEffects")
	}
	if len(flags) > 0 {
		sb.WriteString("<br/>")
		sb.WriteString(strings.Join(flags, " "))
	}
	if len(s.PolymorphicPaths) != 1 || s.PolymorphicPaths[0] != "" {
		sb.WriteString("<br/>paths: ")
		sb.WriteString(escapeLabel(strings.Join(s.PolymorphicPaths, ", ")))
	}
	return sb.String()
}

func escapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "<", "#lt;", ">", "#gt;")
	return r.Replace(s)
}

func joinIDs(ids []StepID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("S%d", id)
	}
	return strings.Join(parts, " ")
}
