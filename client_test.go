package ticl

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"ticl.dev/ticl/wire"
)

type testRegOutcome struct {
	objectId  wire.ObjectId
	opType    wire.OpType
	succeeded bool
}

type testAppListener struct {
	readyCount    int
	invalidations []wire.Invalidation
	regOutcomes   []testRegOutcome
}

func (self *testAppListener) Ready(client *Client) {
	self.readyCount += 1
}

func (self *testAppListener) Invalidate(client *Client, invalidation wire.Invalidation) {
	self.invalidations = append(self.invalidations, invalidation)
}

func (self *testAppListener) InformRegistrationStatus(client *Client, objectId wire.ObjectId, opType wire.OpType, succeeded bool, description string) {
	self.regOutcomes = append(self.regOutcomes, testRegOutcome{
		objectId:  objectId,
		opType:    opType,
		succeeded: succeeded,
	})
}

func testClientSettings() *ClientSettings {
	settings := DefaultClientSettings()
	settings.ClientType = 42
	settings.BatchingDelay = 100 * time.Millisecond
	settings.HeartbeatInterval = 10 * time.Minute
	settings.InitialBackoff = 1 * time.Second
	settings.MaxBackoff = 4 * time.Second
	return settings
}

func newTestClient() (*DeterministicScheduler, *testNetwork, *MemoryStorage, *testAppListener, *Client) {
	scheduler := NewDeterministicScheduler(time.UnixMilli(1_000_000))
	network := &testNetwork{}
	storage := NewMemoryStorage()
	app := &testAppListener{}
	client := NewClient(
		testClientSettings(),
		scheduler,
		network,
		storage,
		wire.ApplicationClientId{ClientName: []byte("app-1")},
		app,
	)
	return scheduler, network, storage, app, client
}

func (self *testNetwork) lastMessage(t *testing.T) *wire.ClientToServerMessage {
	t.Helper()
	if len(self.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return self.sentMessage(t, len(self.sent)-1)
}

// establishSession drives the client through startup and the token
// handshake, returning the assigned token.
func establishSession(t *testing.T, scheduler *DeterministicScheduler, network *testNetwork, client *Client) []byte {
	t.Helper()
	client.Start()
	scheduler.RunAll()

	init := network.lastMessage(t)
	assert.NotEqual(t, init.InitializeMessage, nil)
	nonce := init.InitializeMessage.Nonce

	token := []byte{0xab, 0xcd, 0xef}
	network.deliver(t, &wire.ServerToClientMessage{
		Header: testServerHeader(nonce, 500),
		TokenControlMessage: &wire.TokenControlMessage{
			NewToken: token,
			Status: wire.Status{
				Code: wire.StatusCodeSuccess,
			},
		},
	})
	scheduler.RunAll()
	return token
}

func TestClientHandshake(t *testing.T) {
	scheduler, network, _, app, client := newTestClient()

	token := establishSession(t, scheduler, network, client)

	assert.Equal(t, app.readyCount, 1)
	assert.Equal(t, client.GetClientToken(), token)

	init := network.sentMessage(t, 0)
	assert.Equal(t, init.InitializeMessage.ClientType, int32(42))
	assert.Equal(t, len(init.Header.ClientToken), 0)
}

func TestClientIgnoresStaleTokenAssign(t *testing.T) {
	scheduler, network, _, app, client := newTestClient()

	client.Start()
	scheduler.RunAll()

	// a token assign addressed to some other nonce is a reply to a stale
	// initialize
	network.deliver(t, &wire.ServerToClientMessage{
		Header: testServerHeader([]byte("stale-nonce"), 500),
		TokenControlMessage: &wire.TokenControlMessage{
			NewToken: []byte("tok"),
			Status: wire.Status{
				Code: wire.StatusCodeSuccess,
			},
		},
	})
	scheduler.RunAll()

	assert.Equal(t, app.readyCount, 0)
	assert.Equal(t, len(client.GetClientToken()), 0)
}

func TestClientRestoresPersistedToken(t *testing.T) {
	scheduler := NewDeterministicScheduler(time.UnixMilli(1_000_000))
	network := &testNetwork{}
	storage := NewMemoryStorage()
	storage.WriteKey(clientTokenKey, []byte("persisted"), func(err error) {})
	app := &testAppListener{}
	client := NewClient(
		testClientSettings(),
		scheduler,
		network,
		storage,
		wire.ApplicationClientId{ClientName: []byte("app-1")},
		app,
	)

	client.Start()
	scheduler.RunAll()

	// no initialize needed, the session resumes
	assert.Equal(t, len(network.sent), 0)
	assert.Equal(t, app.readyCount, 1)
	assert.Equal(t, client.GetClientToken(), []byte("persisted"))
}

func TestClientRegisterAndInvalidate(t *testing.T) {
	scheduler, network, _, app, client := newTestClient()
	token := establishSession(t, scheduler, network, client)

	objectId := wire.ObjectId{Source: 2, Name: []byte("O1")}
	client.Register(objectId)
	scheduler.RunAll()
	scheduler.Advance(100 * time.Millisecond)

	sent := network.lastMessage(t)
	assert.Equal(t, len(sent.RegistrationMessage.Registration), 1)
	assert.Equal(t, sent.RegistrationMessage.Registration[0].OpType, wire.OpTypeRegister)
	assert.Equal(t, sent.Header.ClientToken, token)
	assert.Equal(t, sent.Header.RegistrationSummary.NumRegistrations, int32(1))

	// server invalidates the object; the app sees it once and acks
	invalidation := testInvalidation("O1", 7)
	network.deliver(t, &wire.ServerToClientMessage{
		Header:              testServerHeader(token, 1_000),
		InvalidationMessage: &wire.InvalidationMessage{Invalidation: []wire.Invalidation{invalidation}},
	})
	scheduler.RunAll()
	assert.Equal(t, len(app.invalidations), 1)

	client.Ack(invalidation)
	scheduler.RunAll()
	scheduler.Advance(100 * time.Millisecond)
	sent = network.lastMessage(t)
	assert.Equal(t, len(sent.InvalidationAckMessage.Invalidation), 1)

	// a repeat delivery within the dedupe window is re-acked without a
	// second upcall
	network.deliver(t, &wire.ServerToClientMessage{
		Header:              testServerHeader(token, 1_500),
		InvalidationMessage: &wire.InvalidationMessage{Invalidation: []wire.Invalidation{invalidation}},
	})
	scheduler.RunAll()
	assert.Equal(t, len(app.invalidations), 1)
	scheduler.Advance(100 * time.Millisecond)
	sent = network.lastMessage(t)
	assert.Equal(t, len(sent.InvalidationAckMessage.Invalidation), 1)
}

func TestClientRegistrationSyncRequest(t *testing.T) {
	scheduler, network, _, _, client := newTestClient()
	token := establishSession(t, scheduler, network, client)

	objectId := wire.ObjectId{Source: 2, Name: []byte("O1")}
	client.Register(objectId)
	scheduler.RunAll()
	scheduler.Advance(100 * time.Millisecond)

	network.deliver(t, &wire.ServerToClientMessage{
		Header:                         testServerHeader(token, 1_000),
		RegistrationSyncRequestMessage: &wire.RegistrationSyncRequestMessage{},
	})
	scheduler.RunAll()
	scheduler.Advance(100 * time.Millisecond)

	sent := network.lastMessage(t)
	assert.Equal(t, len(sent.RegistrationSyncMessage.Subtree), 1)
	assert.Equal(t, len(sent.RegistrationSyncMessage.Subtree[0].RegisteredObject), 1)
	assert.Equal(t, sent.RegistrationSyncMessage.Subtree[0].RegisteredObject[0].Key(), objectId.Key())
}

func TestClientRegistrationStatusUpcall(t *testing.T) {
	scheduler, network, _, app, client := newTestClient()
	token := establishSession(t, scheduler, network, client)

	objectId := wire.ObjectId{Source: 2, Name: []byte("O1")}
	client.Register(objectId)
	scheduler.RunAll()
	scheduler.Advance(100 * time.Millisecond)

	network.deliver(t, &wire.ServerToClientMessage{
		Header: testServerHeader(token, 1_000),
		RegistrationStatusMessage: &wire.RegistrationStatusMessage{
			RegistrationStatus: []wire.RegistrationStatus{
				successStatus(objectId, wire.OpTypeRegister),
			},
		},
	})
	scheduler.RunAll()

	assert.Equal(t, len(app.regOutcomes), 1)
	assert.Equal(t, app.regOutcomes[0].succeeded, true)
	assert.Equal(t, client.RegistrationManager().DesiredRegistrations().Contains(objectId), true)
}

func TestClientInfoRequest(t *testing.T) {
	scheduler, network, _, _, client := newTestClient()
	token := establishSession(t, scheduler, network, client)

	network.deliver(t, &wire.ServerToClientMessage{
		Header: testServerHeader(token, 1_000),
		InfoRequestMessage: &wire.InfoRequestMessage{
			InfoType: []wire.InfoType{wire.InfoTypeGetPerformanceCounters},
		},
	})
	scheduler.RunAll()

	sent := network.lastMessage(t)
	assert.NotEqual(t, sent.InfoMessage, nil)
	assert.Equal(t, sent.InfoMessage.ClientVersion.Language, "Go")
	assert.NotEqual(t, len(sent.InfoMessage.PerformanceCounter), 0)
}

func TestClientTokenDestroyReinitializes(t *testing.T) {
	scheduler, network, _, _, client := newTestClient()
	token := establishSession(t, scheduler, network, client)
	sentBefore := len(network.sent)

	network.deliver(t, &wire.ServerToClientMessage{
		Header: testServerHeader(token, 1_000),
		TokenControlMessage: &wire.TokenControlMessage{
			Status: wire.Status{
				Code: wire.StatusCodeSuccess,
			},
		},
	})
	scheduler.RunAll()
	assert.Equal(t, len(client.GetClientToken()), 0)

	// the re-initialize is paced by the backoff generator, within the
	// initial window
	scheduler.Advance(1 * time.Second)
	assert.Equal(t, len(network.sent), sentBefore+1)
	sent := network.lastMessage(t)
	assert.NotEqual(t, sent.InitializeMessage, nil)
}

func TestClientHeartbeat(t *testing.T) {
	scheduler, network, _, _, client := newTestClient()
	establishSession(t, scheduler, network, client)
	sentBefore := len(network.sent)

	scheduler.Advance(10 * time.Minute)

	assert.Equal(t, len(network.sent), sentBefore+1)
	sent := network.lastMessage(t)
	assert.NotEqual(t, sent.InfoMessage, nil)
}

func TestClientRegistrationsReissuedOnNewSession(t *testing.T) {
	scheduler, network, _, _, client := newTestClient()
	token := establishSession(t, scheduler, network, client)

	objectId := wire.ObjectId{Source: 2, Name: []byte("O1")}
	client.Register(objectId)
	scheduler.RunAll()
	scheduler.Advance(100 * time.Millisecond)

	// destroy, then re-establish with a new token
	network.deliver(t, &wire.ServerToClientMessage{
		Header: testServerHeader(token, 1_000),
		TokenControlMessage: &wire.TokenControlMessage{
			Status: wire.Status{
				Code: wire.StatusCodeSuccess,
			},
		},
	})
	scheduler.RunAll()
	scheduler.Advance(1 * time.Second)

	init := network.lastMessage(t)
	assert.NotEqual(t, init.InitializeMessage, nil)
	nonce := init.InitializeMessage.Nonce

	newToken := []byte("token-2")
	network.deliver(t, &wire.ServerToClientMessage{
		Header: testServerHeader(nonce, 2_000),
		TokenControlMessage: &wire.TokenControlMessage{
			NewToken: newToken,
			Status: wire.Status{
				Code: wire.StatusCodeSuccess,
			},
		},
	})
	scheduler.RunAll()
	scheduler.Advance(100 * time.Millisecond)

	// the desired set is re-sent so the new session converges
	sent := network.lastMessage(t)
	assert.Equal(t, len(sent.RegistrationMessage.Registration), 1)
	assert.Equal(t, sent.RegistrationMessage.Registration[0].ObjectId.Key(), objectId.Key())
	assert.Equal(t, sent.Header.ClientToken, newToken)
}
