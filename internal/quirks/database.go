package quirks

// Database holds a loaded set of DeviceQuirk entries and matches them
// against a device Fingerprint.
type Database struct {
	entries []*DeviceQuirk
}

// NewDatabase returns an empty Database. Load or Add populate it.
func NewDatabase() *Database {
	return &Database{}
}

// Add appends a DeviceQuirk entry, recording its load order for
// tie-breaking in Match.
func (db *Database) Add(q *DeviceQuirk) {
	q.order = len(db.entries)
	db.entries = append(db.entries, q)
}

// Entries returns the entries currently loaded, in load order.
func (db *Database) Entries() []*DeviceQuirk {
	return db.entries
}

// matchScore returns the matching weight of q against fp, or -1 if q
// is disqualified (any field q declares that fp doesn't equal).
//
// Score = 10 (vid+pid) + 3 (bcdDevice exact) + 2 (ifaceClass exact) +
// 1 (ifaceSubclass exact) + 1 (ifaceProtocol exact).
func matchScore(q Fingerprint, fp Fingerprint) int {
	if q.VID != fp.VID || q.PID != fp.PID {
		return -1
	}

	score := 10

	if q.BCDDevice != nil {
		if fp.BCDDevice == nil || *q.BCDDevice != *fp.BCDDevice {
			return -1
		}
		score += 3
	}
	if q.IfaceClass != nil {
		if fp.IfaceClass == nil || *q.IfaceClass != *fp.IfaceClass {
			return -1
		}
		score += 2
	}
	if q.IfaceSubclass != nil {
		if fp.IfaceSubclass == nil || *q.IfaceSubclass != *fp.IfaceSubclass {
			return -1
		}
		score += 1
	}
	if q.IfaceProtocol != nil {
		if fp.IfaceProtocol == nil || *q.IfaceProtocol != *fp.IfaceProtocol {
			return -1
		}
		score += 1
	}

	return score
}

// Match returns the highest-scoring entry whose vid/pid (and any
// other fields it declares) match fp. Ties are broken by entry order
// (first loaded wins). It returns nil if no entry matches.
func (db *Database) Match(fp Fingerprint) *DeviceQuirk {
	var best *DeviceQuirk
	bestScore := -1

	for _, q := range db.entries {
		s := matchScore(q.Match, fp)
		if s < 0 {
			continue
		}
		if s > bestScore || (s == bestScore && best != nil && q.order < best.order) {
			best = q
			bestScore = s
		}
	}

	return best
}

// Deny removes, in place, any entry whose ID is in ids -- used to
// implement the DENY_QUIRKS env override (spec.md §6.4).
func (db *Database) Deny(ids map[string]bool) {
	if len(ids) == 0 {
		return
	}

	kept := db.entries[:0]
	for _, q := range db.entries {
		if !ids[q.ID] {
			kept = append(kept, q)
		}
	}
	db.entries = kept
}
