package ticl

import (
	"fmt"
	"sync"
)

// Storage persists small key/value state (the client token) across restarts.
// Implementations may invoke the done callbacks on any goroutine; wrap a
// delegate in SafeStorage to get callbacks on the internal thread.
type Storage interface {
	WriteKey(key string, value []byte, done func(err error))
	ReadKey(key string, done func(value []byte, err error))
	DeleteKey(key string, done func(err error))
}

// SafeStorage trampolines the delegate's callbacks onto the internal thread
// so that callers can mutate core state from them.
type SafeStorage struct {
	scheduler Scheduler
	delegate  Storage
}

func NewSafeStorage(scheduler Scheduler, delegate Storage) *SafeStorage {
	return &SafeStorage{
		scheduler: scheduler,
		delegate:  delegate,
	}
}

func (self *SafeStorage) WriteKey(key string, value []byte, done func(err error)) {
	self.delegate.WriteKey(key, value, func(err error) {
		self.scheduler.Schedule(NoDelay, func() {
			done(err)
		})
	})
}

func (self *SafeStorage) ReadKey(key string, done func(value []byte, err error)) {
	self.delegate.ReadKey(key, func(value []byte, err error) {
		self.scheduler.Schedule(NoDelay, func() {
			done(value, err)
		})
	})
}

func (self *SafeStorage) DeleteKey(key string, done func(err error)) {
	self.delegate.DeleteKey(key, func(err error) {
		self.scheduler.Schedule(NoDelay, func() {
			done(err)
		})
	})
}

// MemoryStorage is an in-process Storage for tests and ephemeral clients.
// Callbacks run synchronously on the caller's goroutine.
type MemoryStorage struct {
	stateLock sync.Mutex
	data      map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: map[string][]byte{},
	}
}

func (self *MemoryStorage) WriteKey(key string, value []byte, done func(err error)) {
	self.stateLock.Lock()
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	self.data[key] = valueCopy
	self.stateLock.Unlock()
	done(nil)
}

func (self *MemoryStorage) ReadKey(key string, done func(value []byte, err error)) {
	self.stateLock.Lock()
	value, ok := self.data[key]
	self.stateLock.Unlock()
	if !ok {
		done(nil, fmt.Errorf("no such key: %s", key))
		return
	}
	done(value, nil)
}

func (self *MemoryStorage) DeleteKey(key string, done func(err error)) {
	self.stateLock.Lock()
	delete(self.data, key)
	self.stateLock.Unlock()
	done(nil)
}

var _ Storage = (*SafeStorage)(nil)
var _ Storage = (*MemoryStorage)(nil)
