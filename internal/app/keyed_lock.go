/**
 * @description
 * This file provides a striped mutex keyed by entity id. Every
 * read-evaluate-write sequence on a buy request or transaction runs under the
 * lock for that entity, so two near-simultaneous confirmations can never both
 * observe a one-flag state and both skip the quorum transition.
 *
 * @notes
 * - Striping bounds memory: keys hash onto a fixed set of mutexes. Two
 *   distinct entities may share a stripe and serialize needlessly, which is
 *   harmless. The engines never hold two stripes at once, so the scheme
 *   cannot deadlock.
 */

package app

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 128

// KeyedMutex is a fixed pool of mutexes addressed by string key.
type KeyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

// NewKeyedMutex creates a KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{}
}

func (m *KeyedMutex) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.stripes[h.Sum32()%lockStripes]
}

// Lock acquires the stripe for key.
func (m *KeyedMutex) Lock(key string) {
	m.stripe(key).Lock()
}

// Unlock releases the stripe for key.
func (m *KeyedMutex) Unlock(key string) {
	m.stripe(key).Unlock()
}
