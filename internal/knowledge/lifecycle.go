package knowledge

import "unicode/utf8"

const (
	// RelevanceThreshold is the attention a neighbor needs to count as relevant.
	RelevanceThreshold = 0.3
	// ReproduceThreshold is the attention a unit needs to reproduce.
	ReproduceThreshold = 0.8
	// ChildAttentionFactor scales a parent's attention onto its child.
	ChildAttentionFactor = 0.8
	// ChildContentPrefix is prepended to a parent's content on reproduction.
	ChildContentPrefix = "Enhanced: "

	minNeighbors       = 2
	maxNeighbors       = 3
	reproduceNeighbors = 3

	ageDecayPerTick   = 0.1
	qualityLength     = 50
	qualityMultiplier = 1.5
)

// Classify decides the fate of unit given every other alive unit.
// Neighborhood is all-pairs: every other unit in the population is a neighbor,
// there is no spatial or graph locality.
func Classify(unit Unit, neighbors []Unit) Fate {
	relevant := 0
	for _, n := range neighbors {
		if isRelevant(n.Attention) {
			relevant++
		}
	}
	return ClassifyCount(unit.Attention, relevant)
}

// ClassifyCount applies the survival rule to a precomputed relevant-neighbor count.
func ClassifyCount(attention float64, relevant int) Fate {
	switch {
	case relevant < minNeighbors:
		return Die // isolation
	case relevant > maxNeighbors:
		return Die // overcrowding
	case relevant == reproduceNeighbors && attention > ReproduceThreshold:
		return Reproduce
	default:
		return Live
	}
}

// ValueOf derives the economic value of a unit.
//
// The base term goes negative once age passes 10 ticks; the final clamp keeps
// the value at zero for long-lived units.
func ValueOf(unit Unit) float64 {
	base := unit.Attention * (1 - float64(unit.Age)*ageDecayPerTick)
	mult := 1.0
	if utf8.RuneCountInString(unit.Content) > qualityLength {
		mult = qualityMultiplier
	}
	v := base * mult
	if v < 0 {
		return 0
	}
	return v
}

func isRelevant(attention float64) bool {
	return attention > RelevanceThreshold
}

// offspring builds the child of parent. ID and CreatedAt are filled by the caller.
func offspring(parent Unit) Unit {
	return Unit{
		Content:   ChildContentPrefix + parent.Content,
		Attention: parent.Attention * ChildAttentionFactor,
		ParentID:  parent.ID,
	}
}
