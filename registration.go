package ticl

import (
	"fmt"

	"github.com/golang/glog"

	"ticl.dev/ticl/wire"
)

// RegistrationManager tracks the client's desired registrations and
// reconciles server-reported registration outcomes against them. Confined to
// the internal thread by its owner.
type RegistrationManager struct {
	statistics *Statistics

	desiredRegistrations *RegistrationStore

	// The most recent summary the server has reported for this client.
	// Seeded with the digest of the empty set so that an idle client and an
	// idle server agree without an info exchange.
	lastKnownServerSummary wire.RegistrationSummary
}

func NewRegistrationManager(statistics *Statistics, digestFn DigestFunction) *RegistrationManager {
	manager := &RegistrationManager{
		statistics:           statistics,
		desiredRegistrations: NewRegistrationStore(digestFn),
	}
	manager.lastKnownServerSummary = manager.GetClientSummary()
	return manager
}

// PerformOperations applies a register or unregister to the desired set.
func (self *RegistrationManager) PerformOperations(objectIds []wire.ObjectId, opType wire.OpType) {
	if opType == wire.OpTypeRegister {
		self.desiredRegistrations.Add(objectIds)
	} else {
		self.desiredRegistrations.Remove(objectIds)
	}
}

// GetRegistrations builds the sync subtree of desired objects whose digest
// starts with the given bit prefix.
func (self *RegistrationManager) GetRegistrations(digestPrefix []byte, prefixLen int) wire.RegistrationSubtree {
	return wire.RegistrationSubtree{
		RegisteredObject: self.desiredRegistrations.GetElements(digestPrefix, prefixLen),
	}
}

// HandleRegistrationStatus reconciles server outcomes with the desired set.
// The returned slice is positionally aligned with statuses: true means the
// outcome was compatible with the desired state. A success reply that
// contradicts the local desire means the two sides disagree about the request
// that reached the server; the registration is dropped locally so the caller
// can surface a registration failure and the application can re-issue its
// intent.
func (self *RegistrationManager) HandleRegistrationStatus(statuses []wire.RegistrationStatus) []bool {
	successStatus := make([]bool, 0, len(statuses))
	for _, status := range statuses {
		objectId := status.Registration.ObjectId
		isSuccess := true
		if status.Status.IsSuccess() {
			inRequestedMap := self.desiredRegistrations.Contains(objectId)
			isRegister := status.Registration.OpType == wire.OpTypeRegister
			if isRegister != inRequestedMap {
				self.desiredRegistrations.Remove([]wire.ObjectId{objectId})
				self.statistics.RecordError(ErrRegistrationDiscrepancy)
				glog.Infof("Registration discrepancy: registered = %t, requested = %t. Removing %s from requested",
					isRegister, inRequestedMap, formatObjectId(objectId))
				isSuccess = false
			}
		} else {
			self.desiredRegistrations.Remove([]wire.ObjectId{objectId})
			glog.V(1).Infof("Removing %s from requested after failure: %s",
				formatObjectId(objectId), status.Status.Description)
			isSuccess = false
		}
		successStatus = append(successStatus, isSuccess)
	}
	return successStatus
}

// GetClientSummary returns the summary of the current desired set.
func (self *RegistrationManager) GetClientSummary() wire.RegistrationSummary {
	return wire.RegistrationSummary{
		NumRegistrations:   int32(self.desiredRegistrations.Size()),
		RegistrationDigest: self.desiredRegistrations.GetDigest(),
	}
}

// InformServerSummary caches the summary the server most recently reported.
func (self *RegistrationManager) InformServerSummary(summary wire.RegistrationSummary) {
	self.lastKnownServerSummary = summary
}

func (self *RegistrationManager) LastKnownServerSummary() wire.RegistrationSummary {
	return self.lastKnownServerSummary
}

// IsStateInSyncWithServer reports whether the last known server summary
// matches the client summary.
func (self *RegistrationManager) IsStateInSyncWithServer() bool {
	clientSummary := self.GetClientSummary()
	if clientSummary.NumRegistrations != self.lastKnownServerSummary.NumRegistrations {
		return false
	}
	return string(clientSummary.RegistrationDigest) == string(self.lastKnownServerSummary.RegistrationDigest)
}

func (self *RegistrationManager) DesiredRegistrations() *RegistrationStore {
	return self.desiredRegistrations
}

func formatObjectId(objectId wire.ObjectId) string {
	return fmt.Sprintf("(%d, %q)", objectId.Source, objectId.Name)
}
