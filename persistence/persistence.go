// This package defines a minimal key/value durability capability used for
// small bootstrap blobs kept outside the relational schema. It offers no
// transactions and no ordering guarantees across keys.
package persistence

type Persistence interface {
	Write(key string, value []byte) error
	Read(key string) ([]byte, error)
}
