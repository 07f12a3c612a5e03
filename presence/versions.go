package presence

// Versions is the per-document edit counter. Counters only go up and live as long as the
// process; they are not persisted.
type Versions struct {
	byDocument map[string]uint64
}

func NewVersions() *Versions {
	return &Versions{
		byDocument: make(map[string]uint64),
	}
}

// Next increments the document's counter and returns the new value. The first edit of a
// document is version 1.
func (v *Versions) Next(documentID string) uint64 {
	v.byDocument[documentID]++
	return v.byDocument[documentID]
}

// Current returns the number of edits accepted so far for the document.
func (v *Versions) Current(documentID string) uint64 {
	return v.byDocument[documentID]
}
