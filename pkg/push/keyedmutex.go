/*
Copyright 2026 The Pushstore Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package push

import "sync"

// keyedMutex grants one mutual-exclusion lock per key, in the spirit
// of perkeep's pkg/syncutil lock helpers but keyed rather than global.
// Used to serialize every runPush/reconcile/complete for a single
// project while letting unrelated projects proceed concurrently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refCountedMutex
}

type refCountedMutex struct {
	mu       sync.Mutex
	refCount int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refCountedMutex)}
}

// Lock blocks until key's lock is held, and returns a function that
// releases it. The per-key mutex is garbage collected once no caller
// holds or awaits it.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	rm, ok := k.locks[key]
	if !ok {
		rm = &refCountedMutex{}
		k.locks[key] = rm
	}
	rm.refCount++
	k.mu.Unlock()

	rm.mu.Lock()
	return func() {
		rm.mu.Unlock()
		k.mu.Lock()
		rm.refCount--
		if rm.refCount == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
