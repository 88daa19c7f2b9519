package persistence

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/docsync/model"
	"github.com/pkg/errors"
)

// Storage key layout. Every row starts with a one-byte table prefix;
// within a table, keys are built so that lexicographic byte order equals
// the scan order the caches need.
const (
	kGlobals       = byte('g') // + name
	kRemoteDoc     = byte('d') // + path
	kDocReadTime   = byte('r') // + group + readTime + path (value empty)
	kMutation      = byte('m') // + uid + batchID
	kMutationByKey = byte('n') // + uid + path + batchID (value empty)
	kOverlay       = byte('o') // + uid + path
	kTarget        = byte('t') // + targetID
	kTargetByCanon = byte('u') // + canonicalID hash + targetID (value empty)
	kTargetDoc     = byte('v') // + targetID + path (value empty)
	kDocTarget     = byte('w') // + path + targetID (value empty)
	kIndexConfig   = byte('i') // + indexID
	kIndexState    = byte('j') // + uid + indexID
	kIndexEntry    = byte('k') // + indexID + arrayValue + dirValue + path
	kIndexDocEntry = byte('l') // + indexID + path + entry hash, value = entry key
	kLease         = byte('a') // singleton
	kClient        = byte('b') // + clientID
	kBundle        = byte('p') // + bundleID
	kNamedQuery    = byte('q') // + name
)

var ErrBadStorageKey = errors.New("bad storage key")

// Path segments are 0x00-stuffed and 0x00 0x01 terminated, the whole
// path closed by 0x01, so paths sort segment-wise and embed into larger
// keys unambiguously.
const (
	pathSegEnd = 0x01
	pathEnd    = 0x01
)

func appendPathSeg(dst []byte, seg string) []byte {
	for i := 0; i < len(seg); i++ {
		b := seg[i]
		dst = append(dst, b)
		if b == 0x00 {
			dst = append(dst, 0xff)
		}
	}
	return append(dst, 0x00, pathSegEnd)
}

func appendPath(dst []byte, p model.ResourcePath) []byte {
	for _, seg := range p {
		dst = appendPathSeg(dst, seg)
	}
	return append(dst, pathEnd)
}

// appendPathPrefix is appendPath without the closing byte, for scanning
// everything under a path.
func appendPathPrefix(dst []byte, p model.ResourcePath) []byte {
	for _, seg := range p {
		dst = appendPathSeg(dst, seg)
	}
	return dst
}

// takePath parses one embedded path, returning the remainder of the key.
func takePath(b []byte) (model.ResourcePath, []byte, error) {
	var p model.ResourcePath
	for {
		if len(b) == 0 {
			return nil, nil, ErrBadStorageKey
		}
		if b[0] == pathEnd {
			return p, b[1:], nil
		}
		var seg []byte
		for {
			if len(b) == 0 {
				return nil, nil, ErrBadStorageKey
			}
			c := b[0]
			if c != 0x00 {
				seg = append(seg, c)
				b = b[1:]
				continue
			}
			if len(b) < 2 {
				return nil, nil, ErrBadStorageKey
			}
			switch b[1] {
			case 0xff:
				seg = append(seg, 0x00)
				b = b[2:]
				continue
			case pathSegEnd:
				b = b[2:]
			default:
				return nil, nil, ErrBadStorageKey
			}
			break
		}
		p = append(p, string(seg))
	}
}

func takeDocKey(b []byte) (model.DocumentKey, []byte, error) {
	p, rest, err := takePath(b)
	if err != nil {
		return model.DocumentKey{}, nil, err
	}
	key, err := model.NewDocumentKey(p)
	if err != nil {
		return model.DocumentKey{}, nil, err
	}
	return key, rest, nil
}

func appendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

func takeUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrBadStorageKey
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func globalKey(name string) []byte {
	return append([]byte{kGlobals}, name...)
}

func remoteDocKey(key model.DocumentKey) []byte {
	return appendPath([]byte{kRemoteDoc}, key.Path)
}

func docReadTimeKey(group string, readTime model.SnapshotVersion, key model.DocumentKey) []byte {
	out := appendPathSeg([]byte{kDocReadTime}, group)
	out = binary.BigEndian.AppendUint64(out, uint64(readTime.Seconds)^(1<<63))
	out = appendUint32(out, uint32(readTime.Nanos))
	return appendPath(out, key.Path)
}

func mutationKey(uid string, id uint32) []byte {
	out := appendPathSeg([]byte{kMutation}, uid)
	return appendUint32(out, id)
}

func mutationByKeyKey(uid string, key model.DocumentKey, id uint32) []byte {
	out := appendPathSeg([]byte{kMutationByKey}, uid)
	out = appendPath(out, key.Path)
	return appendUint32(out, id)
}

func overlayKey(uid string, key model.DocumentKey) []byte {
	out := appendPathSeg([]byte{kOverlay}, uid)
	return appendPath(out, key.Path)
}

func targetKey(id uint32) []byte {
	return appendUint32([]byte{kTarget}, id)
}

func targetByCanonKey(canonicalID string, id uint32) []byte {
	out := binary.BigEndian.AppendUint64([]byte{kTargetByCanon}, xxhash.Sum64String(canonicalID))
	return appendUint32(out, id)
}

func targetDocKey(id uint32, key model.DocumentKey) []byte {
	out := appendUint32([]byte{kTargetDoc}, id)
	return appendPath(out, key.Path)
}

func docTargetKey(key model.DocumentKey, id uint32) []byte {
	out := appendPath([]byte{kDocTarget}, key.Path)
	return appendUint32(out, id)
}

func indexConfigKey(id uint32) []byte {
	return appendUint32([]byte{kIndexConfig}, id)
}

func indexStateKey(uid string, id uint32) []byte {
	out := appendPathSeg([]byte{kIndexState}, uid)
	return appendUint32(out, id)
}

func indexEntryKey(id uint32, arrayValue, dirValue []byte, key model.DocumentKey) []byte {
	out := appendUint32([]byte{kIndexEntry}, id)
	out = append(out, arrayValue...)
	out = append(out, dirValue...)
	return appendPath(out, key.Path)
}

func indexDocEntryKey(id uint32, key model.DocumentKey, entryKey []byte) []byte {
	out := appendUint32([]byte{kIndexDocEntry}, id)
	out = appendPath(out, key.Path)
	return binary.BigEndian.AppendUint64(out, xxhash.Sum64(entryKey))
}

func leaseKey() []byte {
	return []byte{kLease}
}

func clientKey(clientID string) []byte {
	return appendPathSeg([]byte{kClient}, clientID)
}

func bundleKey(id string) []byte {
	return appendPathSeg([]byte{kBundle}, id)
}

func namedQueryKey(name string) []byte {
	return appendPathSeg([]byte{kNamedQuery}, name)
}

// prefixEnd is the exclusive upper bound of all keys starting with p.
func prefixEnd(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
