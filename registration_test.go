package ticl

import (
	"math/rand"
	"testing"

	"github.com/go-playground/assert/v2"

	"ticl.dev/ticl/wire"
)

func newTestRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func successStatus(objectId wire.ObjectId, opType wire.OpType) wire.RegistrationStatus {
	return wire.RegistrationStatus{
		Registration: wire.Registration{
			ObjectId: objectId,
			OpType:   opType,
		},
		Status: wire.Status{
			Code: wire.StatusCodeSuccess,
		},
	}
}

func failureStatus(objectId wire.ObjectId, opType wire.OpType) wire.RegistrationStatus {
	return wire.RegistrationStatus{
		Registration: wire.Registration{
			ObjectId: objectId,
			OpType:   opType,
		},
		Status: wire.Status{
			Code:        wire.StatusCodeTransientFailure,
			Description: "try again",
		},
	}
}

func TestRegistrationManagerSummaryStartsInSync(t *testing.T) {
	statistics := NewStatistics()
	manager := NewRegistrationManager(statistics, XxhashDigest)

	// an idle client must agree with an idle server without an info exchange
	assert.Equal(t, manager.IsStateInSyncWithServer(), true)
	summary := manager.GetClientSummary()
	assert.Equal(t, summary.NumRegistrations, int32(0))
	assert.Equal(t, summary, manager.LastKnownServerSummary())
}

func TestRegistrationManagerPerformOperations(t *testing.T) {
	statistics := NewStatistics()
	manager := NewRegistrationManager(statistics, XxhashDigest)
	objectIds := testObjectIds(3)

	manager.PerformOperations(objectIds, wire.OpTypeRegister)
	assert.Equal(t, manager.GetClientSummary().NumRegistrations, int32(3))

	manager.PerformOperations(objectIds[:1], wire.OpTypeUnregister)
	assert.Equal(t, manager.GetClientSummary().NumRegistrations, int32(2))
	assert.Equal(t, manager.DesiredRegistrations().Contains(objectIds[0]), false)
}

func TestRegistrationManagerDiscrepancyConvergence(t *testing.T) {
	statistics := NewStatistics()
	manager := NewRegistrationManager(statistics, XxhashDigest)
	objectIds := testObjectIds(1)
	a := objectIds[0]

	manager.PerformOperations([]wire.ObjectId{a}, wire.OpTypeRegister)

	// a successful unregister while we desire a registration is a
	// discrepancy: the registration is dropped locally
	results := manager.HandleRegistrationStatus([]wire.RegistrationStatus{
		successStatus(a, wire.OpTypeUnregister),
	})
	assert.Equal(t, results, []bool{false})
	assert.Equal(t, manager.GetClientSummary().NumRegistrations, int32(0))
	assert.Equal(t, statistics.ErrorCount(ErrRegistrationDiscrepancy), int64(1))
}

func TestRegistrationManagerStatusReconciliation(t *testing.T) {
	statistics := NewStatistics()
	manager := NewRegistrationManager(statistics, XxhashDigest)
	objectIds := testObjectIds(3)
	a := objectIds[0]
	b := objectIds[1]
	c := objectIds[2]

	manager.PerformOperations([]wire.ObjectId{a, b}, wire.OpTypeRegister)

	// a: successful register matching desire. c: successful register that
	// was never requested - discrepant, removal is an idempotent no-op.
	results := manager.HandleRegistrationStatus([]wire.RegistrationStatus{
		successStatus(a, wire.OpTypeRegister),
		successStatus(c, wire.OpTypeRegister),
	})
	assert.Equal(t, results, []bool{true, false})
	assert.Equal(t, manager.DesiredRegistrations().Contains(a), true)
	assert.Equal(t, manager.DesiredRegistrations().Contains(b), true)
	assert.Equal(t, manager.DesiredRegistrations().Contains(c), false)
	assert.Equal(t, manager.GetClientSummary().NumRegistrations, int32(2))
}

func TestRegistrationManagerServerFailureRemoves(t *testing.T) {
	statistics := NewStatistics()
	manager := NewRegistrationManager(statistics, XxhashDigest)
	objectIds := testObjectIds(2)
	a := objectIds[0]
	b := objectIds[1]

	manager.PerformOperations([]wire.ObjectId{a, b}, wire.OpTypeRegister)

	results := manager.HandleRegistrationStatus([]wire.RegistrationStatus{
		failureStatus(a, wire.OpTypeRegister),
		successStatus(b, wire.OpTypeRegister),
	})
	assert.Equal(t, results, []bool{false, true})
	assert.Equal(t, manager.DesiredRegistrations().Contains(a), false)
	assert.Equal(t, manager.DesiredRegistrations().Contains(b), true)
}

func TestRegistrationManagerGetRegistrationsSubtree(t *testing.T) {
	statistics := NewStatistics()
	manager := NewRegistrationManager(statistics, XxhashDigest)
	objectIds := testObjectIds(4)

	manager.PerformOperations(objectIds, wire.OpTypeRegister)

	subtree := manager.GetRegistrations(nil, 0)
	assert.Equal(t, len(subtree.RegisteredObject), 4)
}

func TestRegistrationManagerSummaryDivergence(t *testing.T) {
	statistics := NewStatistics()
	manager := NewRegistrationManager(statistics, XxhashDigest)
	objectIds := testObjectIds(1)

	manager.PerformOperations(objectIds, wire.OpTypeRegister)
	assert.Equal(t, manager.IsStateInSyncWithServer(), false)

	manager.InformServerSummary(manager.GetClientSummary())
	assert.Equal(t, manager.IsStateInSyncWithServer(), true)
}
