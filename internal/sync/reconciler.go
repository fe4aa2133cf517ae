// Package sync turns the unordered, duplicate-prone streams of message
// records arriving from local echoes, the push channel and pull responses
// into one canonical sequence per conversation.
package sync

import (
	"sort"
	"time"

	"github.com/vterra/chirp/internal/store"
)

// TombstoneWindow bounds how long a deletion is remembered so a
// late-arriving insert of the deleted message is suppressed instead of
// resurrecting it.
const TombstoneWindow = 10 * time.Minute

// Tombstone remembers a processed deletion by identity key.
type Tombstone struct {
	Key    string
	SeenAt int64 // unix millis
}

// Reconcile merges incoming records into an existing sequence and returns
// the new sequence plus the surviving deletion tombstones. It is a pure
// function of its inputs: the same multiset of records yields the same
// output regardless of arrival order, and neither input slice is mutated.
//
// Identity resolution, in order: an entry with the same server id; an
// unconfirmed entry with the same client key; an entry on the other side
// of confirmation with the same (sender, createdAt, content) composite —
// a confirmed record lands on the stored optimistic echo, and a late echo
// lands on the already-confirmed entry. Whichever side arrives first, the
// pair collapses into one confirmed message keeping its insertion
// ordinal, so the presentation layer never sees the optimistic and
// confirmed forms together.
//
// Ordering is total: createdAt ascending, then server id, then insertion
// ordinal for records that never received a server id.
func Reconcile(existing []store.Message, tombs []Tombstone, incoming []Record, now int64) ([]store.Message, []Tombstone) {
	dead := make(map[string]int64)
	cutoff := now - TombstoneWindow.Milliseconds()
	for _, t := range tombs {
		if t.SeenAt >= cutoff {
			dead[t.Key] = t.SeenAt
		}
	}

	byKey := make(map[string]store.Message, len(existing))
	byClient := make(map[string]string)    // client key -> canonical key
	byComposite := make(map[string]string) // composite of unconfirmed entries -> canonical key
	byConfirmed := make(map[string]string) // composite of confirmed entries -> canonical key
	index := func(m store.Message) {
		ck := identityKey("", m.SenderID, m.CreatedAt, m.Content)
		if m.ServerID == "" {
			byComposite[ck] = m.Key
		} else {
			byConfirmed[ck] = m.Key
		}
	}
	var nextOrdinal int64
	for _, m := range existing {
		byKey[m.Key] = m
		if m.ClientKey != "" {
			byClient[m.ClientKey] = m.Key
		}
		index(m)
		if m.Ordinal >= nextOrdinal {
			nextOrdinal = m.Ordinal + 1
		}
	}

	remove := func(key string) {
		m, ok := byKey[key]
		if !ok {
			return
		}
		delete(byKey, key)
		if m.ClientKey != "" && byClient[m.ClientKey] == key {
			delete(byClient, m.ClientKey)
		}
		ck := identityKey("", m.SenderID, m.CreatedAt, m.Content)
		if byComposite[ck] == key {
			delete(byComposite, ck)
		}
		if byConfirmed[ck] == key {
			delete(byConfirmed, ck)
		}
	}

	for _, rec := range incoming {
		if rec.Tombstone {
			key := "id:" + rec.ServerID
			remove(key)
			dead[key] = now
			continue
		}

		key := rec.IdentityKey()
		matched, found := byKey[key]
		if !found && rec.ClientKey != "" {
			if prev, ok := byClient[rec.ClientKey]; ok {
				matched, found = byKey[prev], true
			}
		}
		if !found {
			// A confirmed record may land on the optimistic echo of the
			// same send, or a late echo on the already-confirmed entry.
			// Two distinct server ids never collapse this way.
			ck := identityKey("", rec.SenderID, rec.CreatedAt, rec.Content)
			var prev string
			var ok bool
			if rec.ServerID != "" {
				prev, ok = byComposite[ck]
			} else {
				prev, ok = byConfirmed[ck]
			}
			if ok {
				matched, found = byKey[prev], true
			}
		}

		if _, gone := dead[key]; gone {
			// A deletion beat this record. Drop it and any optimistic
			// twin that matched.
			if found {
				remove(matched.Key)
			}
			continue
		}

		if rec.State == store.StateFailed {
			// Delivery gave up: flip the matched pending entry, never
			// insert a new one.
			if found && matched.State == store.StatePending {
				matched.State = store.StateFailed
				byKey[matched.Key] = matched
			}
			continue
		}

		cand := store.Message{
			Key:        key,
			ServerID:   rec.ServerID,
			ClientKey:  rec.ClientKey,
			SenderID:   rec.SenderID,
			ReceiverID: rec.ReceiverID,
			Content:    rec.Content,
			CreatedAt:  rec.CreatedAt,
			EditedAt:   rec.EditedAt,
			State:      rec.State,
		}

		if !found {
			cand.Ordinal = nextOrdinal
			nextOrdinal++
			byKey[key] = cand
			if cand.ClientKey != "" {
				byClient[cand.ClientKey] = key
			}
			index(cand)
			continue
		}

		merged := merge(matched, cand)
		if merged.Key != matched.Key {
			remove(matched.Key)
		}
		byKey[merged.Key] = merged
		if merged.ClientKey != "" {
			byClient[merged.ClientKey] = merged.Key
		}
		index(merged)
	}

	out := make([]store.Message, 0, len(byKey))
	for _, m := range byKey {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		if a.ServerID != b.ServerID {
			return a.ServerID < b.ServerID
		}
		return a.Ordinal < b.Ordinal
	})

	outTombs := make([]Tombstone, 0, len(dead))
	for k, at := range dead {
		outTombs = append(outTombs, Tombstone{Key: k, SeenAt: at})
	}
	sort.Slice(outTombs, func(i, j int) bool { return outTombs[i].Key < outTombs[j].Key })

	return out, outTombs
}

// merge resolves a fresh observation b against the stored entry a for the
// same logical message. A server-confirmed side wins over an unconfirmed
// one; between two confirmed observations the later (createdAt, editedAt,
// serverId) tuple supplies content and edit marker, while the position
// keeps the earliest createdAt so an edit never moves the message. The
// stored entry's ordinal, the original insertion index, always survives.
func merge(a, b store.Message) store.Message {
	var out store.Message
	switch {
	case a.ServerID != "" && b.ServerID == "":
		out = a
	case a.ServerID == "" && b.ServerID != "":
		out = b
	default:
		winner, loser := a, b
		if less(a, b) {
			winner, loser = b, a
		}
		out = winner
		if loser.CreatedAt < out.CreatedAt {
			out.CreatedAt = loser.CreatedAt
		}
		if loser.EditedAt > out.EditedAt {
			out.EditedAt = loser.EditedAt
		}
	}

	// Carry the client key forward so later duplicates still match.
	if out.ClientKey == "" {
		if a.ClientKey != "" {
			out.ClientKey = a.ClientKey
		} else {
			out.ClientKey = b.ClientKey
		}
	}
	out.Ordinal = a.Ordinal
	return out
}

// less compares two confirmed observations: by createdAt, then editedAt,
// then server id, giving a total order independent of arrival.
func less(a, b store.Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	if a.EditedAt != b.EditedAt {
		return a.EditedAt < b.EditedAt
	}
	return a.ServerID < b.ServerID
}
