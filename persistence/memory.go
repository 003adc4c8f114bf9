package persistence

import "sync"

// InMemoryPersistence is a plain key to bytes mapping with last-write-wins
// semantics and no eviction.
type InMemoryPersistence struct {
	lock sync.Mutex
	data map[string][]byte
}

func NewInMemoryPersistence() *InMemoryPersistence {
	return &InMemoryPersistence{data: make(map[string][]byte)}
}

func (p *InMemoryPersistence) Write(key string, value []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	p.data[key] = v
	return nil
}

func (p *InMemoryPersistence) Read(key string) ([]byte, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	v, ok := p.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}
