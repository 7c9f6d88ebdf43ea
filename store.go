package ticl

import (
	"golang.org/x/exp/maps"

	"ticl.dev/ticl/wire"
)

// RegistrationStore holds the desired registration set. It is a pure set:
// Add and Remove are idempotent and the digest depends only on membership.
// Not safe for concurrent use; the owner confines it to the internal thread.
type RegistrationStore struct {
	digestFn DigestFunction

	// object key -> element digest
	elements map[wire.ObjectIdKey][]byte
	// commutative xor fold of the element digests. All zero for the empty
	// set.
	setDigest []byte
}

func NewRegistrationStore(digestFn DigestFunction) *RegistrationStore {
	return &RegistrationStore{
		digestFn:  digestFn,
		elements:  map[wire.ObjectIdKey][]byte{},
		setDigest: make([]byte, len(digestFn(nil))),
	}
}

func (self *RegistrationStore) Add(objectIds []wire.ObjectId) {
	for _, objectId := range objectIds {
		key := objectId.Key()
		if _, ok := self.elements[key]; ok {
			continue
		}
		elementDigest := objectIdDigest(self.digestFn, objectId)
		self.elements[key] = elementDigest
		xorInto(self.setDigest, elementDigest)
	}
}

func (self *RegistrationStore) Remove(objectIds []wire.ObjectId) {
	for _, objectId := range objectIds {
		key := objectId.Key()
		elementDigest, ok := self.elements[key]
		if !ok {
			continue
		}
		delete(self.elements, key)
		xorInto(self.setDigest, elementDigest)
	}
}

func (self *RegistrationStore) Contains(objectId wire.ObjectId) bool {
	_, ok := self.elements[objectId.Key()]
	return ok
}

func (self *RegistrationStore) Size() int {
	return len(self.elements)
}

// GetElements returns the objects whose element digest starts with the first
// prefixLen bits of digestPrefix. prefixLen 0 returns all elements. Order is
// unspecified.
func (self *RegistrationStore) GetElements(digestPrefix []byte, prefixLen int) []wire.ObjectId {
	objectIds := []wire.ObjectId{}
	for key, elementDigest := range self.elements {
		if matchesBitPrefix(elementDigest, digestPrefix, prefixLen) {
			objectIds = append(objectIds, key.ObjectId())
		}
	}
	return objectIds
}

// GetDigest returns the digest of the current set.
func (self *RegistrationStore) GetDigest() []byte {
	digest := make([]byte, len(self.setDigest))
	copy(digest, self.setDigest)
	return digest
}

func (self *RegistrationStore) Keys() []wire.ObjectIdKey {
	return maps.Keys(self.elements)
}
