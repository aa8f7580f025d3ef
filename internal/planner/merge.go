package planner

import "encoding/json"

// MergeProposals concatenates deterministic and proposed tasks and drops
// duplicates sharing an action type and payload. Deterministic tasks come
// first, so they win ties against AI proposals.
func MergeProposals(det, proposed []TaskInput) []TaskInput {
	seen := make(map[string]bool, len(det)+len(proposed))
	out := make([]TaskInput, 0, len(det)+len(proposed))
	for _, t := range append(append([]TaskInput{}, det...), proposed...) {
		key := dedupKey(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// dedupKey builds a canonical identity for a task intent. Marshaling the
// payload map sorts keys, so two payloads with the same fields in a
// different order collapse to one key.
func dedupKey(t TaskInput) string {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	return t.ActionType + "|" + string(payload)
}
