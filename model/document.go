package model

import (
	"errors"
	"fmt"

	"github.com/drpcorg/docsync/protocol"
)

// DocumentType is the cache state machine of one document.
type DocumentType byte

const (
	// InvalidDocument means the cache knows nothing about the key.
	InvalidDocument DocumentType = iota
	// FoundDocument is a document confirmed to exist, with data.
	FoundDocument
	// NoDocument is a confirmed deletion/absence.
	NoDocument
	// UnknownDocument exists at some version but its data was never
	// delivered (e.g. a patch was committed against an uncached doc).
	UnknownDocument
)

// DocumentState tracks pending-write status on top of DocumentType.
type DocumentState byte

const (
	DocumentSynced DocumentState = iota
	HasLocalMutations
	HasCommittedMutations
)

var ErrBadDocumentRecord = errors.New("bad document record")

// MutableDocument is the engine's in-memory document representation. It is
// mutated in place inside transactions; use Clone before sharing.
type MutableDocument struct {
	Key        DocumentKey
	DocType    DocumentType
	Version    SnapshotVersion
	ReadTime   SnapshotVersion
	CreateTime SnapshotVersion
	Data       ObjectValue
	State      DocumentState
}

func NewInvalidDocument(key DocumentKey) *MutableDocument {
	return &MutableDocument{Key: key, Data: NewObjectValue()}
}

func NewFoundDocument(key DocumentKey, version SnapshotVersion, data ObjectValue) *MutableDocument {
	return &MutableDocument{Key: key, DocType: FoundDocument, Version: version, Data: data}
}

func NewNoDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return &MutableDocument{Key: key, DocType: NoDocument, Version: version, Data: NewObjectValue()}
}

func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *MutableDocument {
	return &MutableDocument{Key: key, DocType: UnknownDocument, Version: version,
		Data: NewObjectValue(), State: HasCommittedMutations}
}

func (d *MutableDocument) ConvertToFoundDocument(version SnapshotVersion, data ObjectValue) *MutableDocument {
	if d.CreateTime.IsZero() {
		d.CreateTime = version
	}
	d.DocType = FoundDocument
	d.Version = version
	d.Data = data
	d.State = DocumentSynced
	return d
}

func (d *MutableDocument) ConvertToNoDocument(version SnapshotVersion) *MutableDocument {
	d.DocType = NoDocument
	d.Version = version
	d.CreateTime = SnapshotVersion{}
	d.Data = NewObjectValue()
	d.State = DocumentSynced
	return d
}

func (d *MutableDocument) ConvertToUnknownDocument(version SnapshotVersion) *MutableDocument {
	d.DocType = UnknownDocument
	d.Version = version
	d.Data = NewObjectValue()
	d.State = HasCommittedMutations
	return d
}

func (d *MutableDocument) SetHasLocalMutations() *MutableDocument {
	d.State = HasLocalMutations
	d.Version = SnapshotVersion{}
	return d
}

func (d *MutableDocument) SetHasCommittedMutations() *MutableDocument {
	d.State = HasCommittedMutations
	return d
}

func (d *MutableDocument) SetReadTime(t SnapshotVersion) *MutableDocument {
	d.ReadTime = t
	return d
}

func (d *MutableDocument) IsValidDocument() bool {
	return d.DocType != InvalidDocument
}

func (d *MutableDocument) IsFoundDocument() bool {
	return d.DocType == FoundDocument
}

func (d *MutableDocument) IsNoDocument() bool {
	return d.DocType == NoDocument
}

func (d *MutableDocument) IsUnknownDocument() bool {
	return d.DocType == UnknownDocument
}

func (d *MutableDocument) HasLocalMutations() bool {
	return d.State == HasLocalMutations
}

func (d *MutableDocument) HasCommittedMutations() bool {
	return d.State == HasCommittedMutations
}

func (d *MutableDocument) HasPendingWrites() bool {
	return d.State != DocumentSynced
}

func (d *MutableDocument) Field(path FieldPath) (Value, bool) {
	return d.Data.Field(path)
}

func (d *MutableDocument) Clone() *MutableDocument {
	c := *d
	c.Data = d.Data.Clone()
	return &c
}

func (d *MutableDocument) Equal(other *MutableDocument) bool {
	return d.Key.Equal(other.Key) &&
		d.DocType == other.DocType &&
		d.State == other.State &&
		d.Version.Equal(other.Version) &&
		d.Data.Equal(other.Data)
}

func (d *MutableDocument) String() string {
	return fmt.Sprintf("doc(%s t=%d v=%s s=%d)", d.Key, d.DocType, d.Version, d.State)
}

// Encode packs everything but the key (keys live in the storage key).
func (d *MutableDocument) Encode() []byte {
	return protocol.Record('O',
		protocol.TinyRecord('T', []byte{byte(d.DocType), byte(d.State)}),
		protocol.Record('V', d.Version.Zip()),
		protocol.Record('C', d.CreateTime.Zip()),
		protocol.Record('P', d.ReadTime.Zip()),
		d.Data.Encode(),
	)
}

func DecodeDocument(key DocumentKey, data []byte) (*MutableDocument, error) {
	body, _ := protocol.Take('O', data)
	if body == nil {
		return nil, ErrBadDocumentRecord
	}
	ts, rest := protocol.Take('T', body)
	if len(ts) != 2 {
		return nil, ErrBadDocumentRecord
	}
	ver, rest := protocol.Take('V', rest)
	if ver == nil {
		return nil, ErrBadDocumentRecord
	}
	ct, rest := protocol.Take('C', rest)
	if ct == nil {
		return nil, ErrBadDocumentRecord
	}
	rt, rest := protocol.Take('P', rest)
	if rt == nil {
		return nil, ErrBadDocumentRecord
	}
	obj, err := DecodeObjectValue(rest)
	if err != nil {
		return nil, err
	}
	return &MutableDocument{
		Key:        key,
		DocType:    DocumentType(ts[0]),
		State:      DocumentState(ts[1]),
		Version:    SnapshotVersion{UnzipTimestamp(ver)},
		CreateTime: SnapshotVersion{UnzipTimestamp(ct)},
		ReadTime:   SnapshotVersion{UnzipTimestamp(rt)},
		Data:       obj,
	}, nil
}
