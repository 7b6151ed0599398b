package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

// KV is the key-value contract shared by the identity store and the
// persisted chat logs.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Lister is implemented by stores that can enumerate their keys.
type Lister interface {
	Keys(prefix string) ([]string, error)
}

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBEntry wraps every value written to bbolt.
type DBEntry struct {
	Name      string `msgpack:"key"`
	Value     string `msgpack:"value"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

var _ Storeable = (*DBEntry)(nil)

func (e *DBEntry) Key() []byte {
	return []byte(e.Name)
}

func (e *DBEntry) MarshalBinary() (data []byte, err error) {
	type alias DBEntry
	return msgpack.Marshal((*alias)(e))
}

func (e *DBEntry) UnmarshalBinary(data []byte) error {
	type alias DBEntry
	return msgpack.Unmarshal(data, (*alias)(e))
}
