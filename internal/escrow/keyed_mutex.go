package escrow

import "sync"

// keyedMutex 为每个实体键提供互斥访问范围。
// 同一键上的操作完全串行，不同键互不阻塞；
// 锁的持有覆盖整个读-检-写与外部转账序列。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock 获取指定键的独占范围，返回对应的解锁函数。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.ch <- struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			k.mu.Lock()
			lock.refs--
			if lock.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}
