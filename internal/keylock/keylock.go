// Package keylock はキーごとの排他制御を提供する。
// 同じキーの処理は直列化し、異なるキーは並行に実行できる。
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map はキーごとのミューテックスを保持する。
// 待機者がいなくなったキーのエントリは削除される。
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New はMapを生成する。
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock はキーのロックを取得し、解放関数を返す。
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len は保持しているキーの数を返す。
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
