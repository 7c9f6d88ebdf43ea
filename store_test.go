package ticl

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"ticl.dev/ticl/wire"
)

func testObjectIds(count int) []wire.ObjectId {
	objectIds := make([]wire.ObjectId, 0, count)
	for i := 0; i < count; i += 1 {
		objectIds = append(objectIds, wire.ObjectId{
			Source: 2,
			Name:   []byte{byte('a' + i)},
		})
	}
	return objectIds
}

// digest is the last byte of the input, so tests can steer element digests
// through object names
func lastByteDigest(data []byte) []byte {
	if len(data) == 0 {
		return []byte{0}
	}
	return []byte{data[len(data)-1]}
}

func TestStoreDigestIsASetFunction(t *testing.T) {
	objectIds := testObjectIds(6)

	a := NewRegistrationStore(XxhashDigest)
	a.Add(objectIds)

	// reversed insertion order
	b := NewRegistrationStore(XxhashDigest)
	for i := len(objectIds) - 1; 0 <= i; i -= 1 {
		b.Add([]wire.ObjectId{objectIds[i]})
	}

	assert.Equal(t, a.GetDigest(), b.GetDigest())
	assert.Equal(t, a.Size(), b.Size())
}

func TestStoreAddRemoveIdempotence(t *testing.T) {
	objectIds := testObjectIds(3)

	store := NewRegistrationStore(XxhashDigest)
	store.Add(objectIds)
	digest := store.GetDigest()

	store.Add(objectIds)
	assert.Equal(t, store.Size(), 3)
	assert.Equal(t, store.GetDigest(), digest)

	store.Remove(objectIds[:1])
	store.Remove(objectIds[:1])
	assert.Equal(t, store.Size(), 2)
	assert.Equal(t, store.Contains(objectIds[0]), false)
	assert.Equal(t, store.Contains(objectIds[1]), true)
}

func TestStoreRemoveAllRestoresEmptyDigest(t *testing.T) {
	objectIds := testObjectIds(4)

	store := NewRegistrationStore(XxhashDigest)
	emptyDigest := store.GetDigest()

	store.Add(objectIds)
	assert.NotEqual(t, store.GetDigest(), emptyDigest)

	store.Remove(objectIds)
	assert.Equal(t, store.Size(), 0)
	assert.Equal(t, store.GetDigest(), emptyDigest)
}

func TestStoreGetElementsByBitPrefix(t *testing.T) {
	store := NewRegistrationStore(lastByteDigest)

	low := wire.ObjectId{Source: 2, Name: []byte{0x10}}
	high := wire.ObjectId{Source: 2, Name: []byte{0x90}}
	store.Add([]wire.ObjectId{low, high})

	// prefix len 0 returns everything
	all := store.GetElements(nil, 0)
	assert.Equal(t, len(all), 2)

	// first bit 1 matches only the high digest
	matched := store.GetElements([]byte{0x80}, 1)
	assert.Equal(t, len(matched), 1)
	assert.Equal(t, matched[0].Key(), high.Key())

	// first four bits 0001 match only the low digest
	matched = store.GetElements([]byte{0x10}, 4)
	assert.Equal(t, len(matched), 1)
	assert.Equal(t, matched[0].Key(), low.Key())

	// longer than the digest matches nothing
	matched = store.GetElements([]byte{0x10, 0x00}, 16)
	assert.Equal(t, len(matched), 0)
}

func TestBackoffGeneratorBounds(t *testing.T) {
	rng := newTestRand()
	generator := NewExponentialBackoffDelayGenerator(rng, 8*time.Second, 1*time.Second)

	// first delay draws from the initial window
	delay := generator.GetNextDelay()
	assert.Equal(t, 0 <= delay && delay < 1*time.Second, true)

	// the window doubles per call and caps at the max
	for i := 0; i < 10; i += 1 {
		delay = generator.GetNextDelay()
		assert.Equal(t, 0 <= delay && delay < 8*time.Second, true)
	}

	generator.Reset()
	delay = generator.GetNextDelay()
	assert.Equal(t, 0 <= delay && delay < 1*time.Second, true)
}

func TestBackoffGeneratorMisusePanics(t *testing.T) {
	rng := newTestRand()
	expectPanic(t, func() {
		NewExponentialBackoffDelayGenerator(rng, 0, 1*time.Second)
	})
	expectPanic(t, func() {
		NewExponentialBackoffDelayGenerator(rng, 1*time.Second, 2*time.Second)
	})
	expectPanic(t, func() {
		NewExponentialBackoffDelayGenerator(nil, 2*time.Second, 1*time.Second)
	})
}
