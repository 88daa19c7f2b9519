package persistence

import (
	"bytes"

	"github.com/drpcorg/docsync/index"
	"github.com/drpcorg/docsync/model"
	"github.com/pkg/errors"
)

// IndexStore persists field index definitions, per-user backfill states
// and the index entry rows themselves.
type IndexStore struct {
	uid string
}

func NewIndexStore(uid string) *IndexStore {
	return &IndexStore{uid: uid}
}

// AddFieldIndex stores a definition, assigning the next index id.
func (s *IndexStore) AddFieldIndex(tx Tx, fi *index.FieldIndex) error {
	g := Globals{}
	id, err := g.HighestIndexID(tx)
	if err != nil {
		return err
	}
	id++
	fi.IndexID = id
	if err := g.SetHighestIndexID(tx, id); err != nil {
		return err
	}
	if err := tx.Set(indexConfigKey(uint32(id)), fi.Encode()); err != nil {
		return err
	}
	return tx.Set(indexStateKey(s.uid, uint32(id)), index.State{}.Encode())
}

// DeleteFieldIndex removes the definition, its state and all entries.
func (s *IndexStore) DeleteFieldIndex(tx Tx, fi *index.FieldIndex) error {
	if err := tx.Delete(indexConfigKey(uint32(fi.IndexID))); err != nil {
		return err
	}
	if err := tx.Delete(indexStateKey(s.uid, uint32(fi.IndexID))); err != nil {
		return err
	}
	for _, table := range []byte{kIndexEntry, kIndexDocEntry} {
		lo := appendUint32([]byte{table}, uint32(fi.IndexID))
		hi := prefixEnd(lo)
		var doomed [][]byte
		err := tx.Range(lo, hi, func(k, _ []byte) error {
			doomed = append(doomed, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// FieldIndexes returns the definitions for one collection group.
func (s *IndexStore) FieldIndexes(tx Tx, group string) ([]*index.FieldIndex, error) {
	all, err := s.AllFieldIndexes(tx)
	if err != nil {
		return nil, err
	}
	var out []*index.FieldIndex
	for _, fi := range all {
		if fi.CollectionGroup == group {
			out = append(out, fi)
		}
	}
	return out, nil
}

func (s *IndexStore) AllFieldIndexes(tx Tx) ([]*index.FieldIndex, error) {
	lo := []byte{kIndexConfig}
	hi := prefixEnd(lo)
	var out []*index.FieldIndex
	err := tx.Range(lo, hi, func(k, v []byte) error {
		id, _, err := takeUint32(k[1:])
		if err != nil {
			return err
		}
		fi, err := index.DecodeFieldIndex(int32(id), v)
		if err != nil {
			return err
		}
		out = append(out, fi)
		return nil
	})
	return out, err
}

// State returns the backfill state of one index for this user.
func (s *IndexStore) State(tx Tx, indexID int32) (index.State, error) {
	val, err := tx.Get(indexStateKey(s.uid, uint32(indexID)))
	if errors.Is(err, ErrNotFound) {
		return index.State{}, nil
	}
	if err != nil {
		return index.State{}, err
	}
	return index.DecodeState(val)
}

// SetState stores backfill progress.
func (s *IndexStore) SetState(tx Tx, indexID int32, st index.State) error {
	return tx.Set(indexStateKey(s.uid, uint32(indexID)), st.Encode())
}

// NextIndexToBackfill picks the least recently updated index, round-robin
// by stored sequence number.
func (s *IndexStore) NextIndexToBackfill(tx Tx) (*index.FieldIndex, index.State, error) {
	all, err := s.AllFieldIndexes(tx)
	if err != nil {
		return nil, index.State{}, err
	}
	var best *index.FieldIndex
	var bestState index.State
	for _, fi := range all {
		st, err := s.State(tx, fi.IndexID)
		if err != nil {
			return nil, index.State{}, err
		}
		if best == nil || st.SequenceNumber < bestState.SequenceNumber {
			best = fi
			bestState = st
		}
	}
	return best, bestState, nil
}

// UpdateEntries reconciles the stored rows of one document against its
// current state for every index covering its collection group.
func (s *IndexStore) UpdateEntries(tx Tx, doc *model.MutableDocument) error {
	indexes, err := s.FieldIndexes(tx, doc.Key.CollectionGroup())
	if err != nil {
		return err
	}
	for _, fi := range indexes {
		if err := s.updateEntriesForIndex(tx, fi, doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *IndexStore) updateEntriesForIndex(tx Tx, fi *index.FieldIndex, doc *model.MutableDocument) error {
	var want []index.Entry
	if doc.IsFoundDocument() {
		want = index.EntriesForDocument(fi, doc)
	}
	// the entry row's value carries the document path: directional bytes
	// are not self-describing enough to parse the key suffix back out
	wantKeys := make([][]byte, len(want))
	for i, e := range want {
		wantKeys[i] = indexEntryKey(uint32(fi.IndexID), e.ArrayValue, e.DirectionalValue, e.Key)
	}

	// existing rows, via the per-document reverse table
	lo := appendPath(appendUint32([]byte{kIndexDocEntry}, uint32(fi.IndexID)), doc.Key.Path)
	hi := prefixEnd(lo)
	type row struct{ docRow, entry []byte }
	var have []row
	err := tx.Range(lo, hi, func(k, v []byte) error {
		have = append(have, row{
			docRow: append([]byte(nil), k...),
			entry:  append([]byte(nil), v...),
		})
		return nil
	})
	if err != nil {
		return err
	}

	stillWanted := func(entry []byte) bool {
		for _, wk := range wantKeys {
			if bytes.Equal(wk, entry) {
				return true
			}
		}
		return false
	}
	for _, r := range have {
		if stillWanted(r.entry) {
			continue
		}
		if err := tx.Delete(r.entry); err != nil {
			return err
		}
		if err := tx.Delete(r.docRow); err != nil {
			return err
		}
	}
	for _, wk := range wantKeys {
		already := false
		for _, r := range have {
			if bytes.Equal(r.entry, wk) {
				already = true
				break
			}
		}
		if already {
			continue
		}
		if err := tx.Set(wk, []byte(doc.Key.String())); err != nil {
			return err
		}
		if err := tx.Set(indexDocEntryKey(uint32(fi.IndexID), doc.Key, wk), wk); err != nil {
			return err
		}
	}
	return nil
}

// Scan walks one index over the scan range and returns matching document
// keys in index order. For a contains index the scan repeats per array
// value; callers deduplicate across DNF terms.
func (s *IndexStore) Scan(tx Tx, fi *index.FieldIndex, sr index.ScanRange) ([]model.DocumentKey, error) {
	prefixes := [][]byte{nil}
	if len(sr.ArrayValues) > 0 {
		prefixes = sr.ArrayValues
	}
	base := appendUint32([]byte{kIndexEntry}, uint32(fi.IndexID))
	var out []model.DocumentKey
	for _, arr := range prefixes {
		prefix := append(append([]byte(nil), base...), arr...)
		lo := append(append([]byte(nil), prefix...), sr.Lower...)
		if !sr.LowerInclusive {
			// the document-key suffix makes every stored key strictly
			// longer, so bumping the bound skips exact matches only
			lo = append(lo, 0xff)
		}
		var hi []byte
		if len(sr.Upper) > 0 {
			hi = append(append([]byte(nil), prefix...), sr.Upper...)
			if sr.UpperInclusive {
				hi = append(hi, 0xff)
			}
		} else {
			hi = prefixEnd(prefix)
		}
		err := tx.Range(lo, hi, func(_, v []byte) error {
			path, err := model.ParseResourcePath(string(v))
			if err != nil {
				return err
			}
			dk, err := model.NewDocumentKey(path)
			if err != nil {
				return err
			}
			out = append(out, dk)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
