package snapshot

import "cowrite/api/internal/store"

// Materialize replays a document's change log, in the order given, into
// its plain-text content. Positions are rune offsets. Out-of-range
// positions are clamped rather than rejected: the log is the source of
// truth and a snapshot must always be producible from it.
func Materialize(changes []store.DocumentChange) string {
	var content []rune
	for _, change := range changes {
		switch change.Operation {
		case store.OpInsert:
			position := clamp(change.Position, len(content))
			inserted := []rune(change.Content)
			content = append(content[:position], append(inserted, content[position:]...)...)
		case store.OpDelete:
			position := clamp(change.Position, len(content))
			end := clamp(change.Position+change.Length, len(content))
			content = append(content[:position], content[end:]...)
		case store.OpRetain, store.OpFormat:
			// No effect on plain text; formatting lives in attributes.
		}
	}
	return string(content)
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
