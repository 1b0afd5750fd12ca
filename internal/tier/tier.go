// Package tier implements the Dependency Tierer (C8): builds a directed
// reference graph over entity schemas and produces an ordered tier plan
// via Kahn's algorithm, deferring cyclic reference fields into a second
// pass and routing many-to-many relationships to a dedicated final phase.
package tier

import "sort"

// EntitySchema describes one entity's outbound reference fields for graph
// construction (§4.8 "Input").
type EntitySchema struct {
	Name            string
	ReferenceFields map[string]string // field name -> target entity logical name
}

// Relationship is a many-to-many link always placed in the final phase.
type Relationship struct {
	Name       string
	FromEntity string
	ToEntity   string
}

// DeferredField is a reference field removed from the graph because it
// participates in a cycle (including a self-loop).
type DeferredField struct {
	Entity string
	Field  string
}

// Plan is the tierer's output (§3 "Tier Plan").
type Plan struct {
	Tiers         [][]string
	DeferredFields []DeferredField
	Relationships []Relationship
}

// edge is one reference-field dependency: Entity's Field references Target.
type edge struct {
	entity string
	field  string
	target string
}

// Build constructs a Plan from a schema descriptor. Entities named in
// relationships still receive their own tier slot via their reference
// fields; relationships themselves are not part of the acyclic graph.
func Build(schemas []EntitySchema, relationships []Relationship) Plan {
	names := make([]string, 0, len(schemas))
	byName := make(map[string]EntitySchema, len(schemas))
	for _, s := range schemas {
		names = append(names, s.Name)
		byName[s.Name] = s
	}

	var edges []edge
	for _, s := range schemas {
		fields := sortedFieldNames(s.ReferenceFields)
		for _, field := range fields {
			target := s.ReferenceFields[field]
			if _, known := byName[target]; !known {
				// References an entity outside this schema (e.g. a system
				// table); no dependency edge, nothing to order against.
				continue
			}
			edges = append(edges, edge{entity: s.Name, field: field, target: target})
		}
	}

	tiers, deferred := kahnTiers(names, edges)

	return Plan{
		Tiers:          tiers,
		DeferredFields: deferred,
		Relationships:  relationships,
	}
}

// kahnTiers runs Kahn's algorithm repeatedly peeling off all entities with
// zero remaining in-degree as one tier, until every entity is placed or a
// cycle remains. Entities in a remaining cycle (including self-loops) have
// their participating reference fields deferred and are retried once the
// graph has been reduced.
func kahnTiers(names []string, edges []edge) ([][]string, []DeferredField) {
	// remaining holds every entity not yet placed in a tier; an entity is
	// ready once none of its outbound edges points at a remaining entity.
	remaining := make(map[string]bool, len(names))
	for _, n := range names {
		remaining[n] = true
	}

	edgesByEntity := make(map[string][]edge)
	for _, e := range edges {
		edgesByEntity[e.entity] = append(edgesByEntity[e.entity], e)
	}

	var tiers [][]string
	var deferred []DeferredField

	for len(remaining) > 0 {
		var ready []string
		for n := range remaining {
			if allTargetsPlaced(n, edgesByEntity, remaining) {
				ready = append(ready, n)
			}
		}

		if len(ready) == 0 {
			// Cycle (or self-loop) among all remaining entities: defer every
			// reference field that points at another still-remaining entity,
			// then retry — this strictly shrinks the remaining dependency
			// edges, so termination is guaranteed.
			for n := range remaining {
				for _, e := range edgesByEntity[n] {
					if remaining[e.target] {
						deferred = append(deferred, DeferredField{Entity: e.entity, Field: e.field})
					}
				}
				edgesByEntity[n] = nil
			}
			continue
		}

		sort.Strings(ready)
		tiers = append(tiers, ready)
		for _, n := range ready {
			delete(remaining, n)
		}
	}

	sort.Slice(deferred, func(i, j int) bool {
		if deferred[i].Entity != deferred[j].Entity {
			return deferred[i].Entity < deferred[j].Entity
		}
		return deferred[i].Field < deferred[j].Field
	})

	return tiers, deferred
}

func allTargetsPlaced(entity string, edgesByEntity map[string][]edge, remaining map[string]bool) bool {
	for _, e := range edgesByEntity[entity] {
		if e.target == entity {
			// self-loop: never satisfiable on its own, forces the cycle branch.
			return false
		}
		if remaining[e.target] {
			return false
		}
	}
	return true
}

func sortedFieldNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// TierOf returns the zero-based tier index containing entity, or -1 if
// absent (e.g. it was never placed because it wasn't in the input schema).
func (p Plan) TierOf(entity string) int {
	for i, tier := range p.Tiers {
		for _, e := range tier {
			if e == entity {
				return i
			}
		}
	}
	return -1
}

// IsDeferred reports whether (entity, field) was placed in the deferred set.
func (p Plan) IsDeferred(entity, field string) bool {
	for _, d := range p.DeferredFields {
		if d.Entity == entity && d.Field == field {
			return true
		}
	}
	return false
}
