package plan

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
)

type dedupKey struct {
	kind Kind
	name string
	lp   LayerPlanID
	deps  string
	paths string
	key   any
}

func dedupable(s *Step) bool {
	if !s.Kind.generic() || s.HasSideEffects || s.Key == nil {
		return false
	}
	return reflect.ValueOf(s.Key).Comparable()
}

func depsKey(deps []StepID) string {
	var sb strings.Builder
	for i, d := range deps {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(d)))
	}
	return sb.String()
}

// Deduplicate merges structurally equivalent steps and returns how many were
// removed. A step is merged into an older step with the same kind, name, key,
// dependency sequence and polymorphic path set that lives in the same layer
// plan or an ancestor.
// Side-effecting steps and steps without a key are kept. Running it again on
// the result removes nothing.
func (b *Builder) Deduplicate() int {
	if b.check("deduplicate") != nil {
		return 0
	}
	seen := make(map[dedupKey]StepID)
	removed := 0
	for _, s := range b.steps {
		if _, gone := b.replaced[s.ID]; gone {
			continue
		}
		for i, d := range s.Dependencies {
			s.Dependencies[i] = b.resolve(d)
		}
		for i := range s.FanIn {
			s.FanIn[i].Step = b.resolve(s.FanIn[i].Step)
		}
		if !dedupable(s) {
			continue
		}
		k := dedupKey{kind: s.Kind, name: s.Name, deps: depsKey(s.Dependencies), paths: pathsKey(s.PolymorphicPaths), key: s.Key}
		var survivor StepID
		for lp := s.LayerPlan; lp != 0; lp = b.layerPlans[lp-1].Parent {
			k.lp = lp
			if id, ok := seen[k]; ok {
				survivor = id
				break
			}
		}
		if survivor == 0 {
			k.lp = s.LayerPlan
			seen[k] = s.ID
			continue
		}
		b.replaced[s.ID] = survivor
		b.dropFromLayer(s)
		removed++
	}
	if removed > 0 {
		for _, lp := range b.layerPlans {
			if lp.RootStep != 0 {
				lp.RootStep = b.resolve(lp.RootStep)
			}
		}
	}
	return removed
}

func (b *Builder) dropFromLayer(s *Step) {
	lp := b.layerPlans[s.LayerPlan-1]
	for i, id := range lp.Steps {
		if id == s.ID {
			lp.Steps = append(lp.Steps[:i], lp.Steps[i+1:]...)
			return
		}
	}
}

// pathsKey is order-insensitive: a step restricted to {A, B} matches one
// restricted to {B, A} and nothing wider or narrower.
func pathsKey(paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}
