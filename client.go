package ticl

import (
	"bytes"
	"math/rand"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"

	"ticl.dev/ticl/wire"
)

// InvalidationListener is the application-facing surface. All upcalls run on
// the internal thread and must not block.
type InvalidationListener interface {
	// Ready fires once a session is established. Registrations made before
	// Ready are staged and flushed when the session comes up.
	Ready(client *Client)
	// Invalidate delivers one invalidation. The application acknowledges it
	// with client.Ack once the notification is safely applied.
	Invalidate(client *Client, invalidation wire.Invalidation)
	// InformRegistrationStatus reports the outcome of a registration op.
	// succeeded false means the object was dropped from the desired set and
	// the application should re-issue its intent if it still wants it.
	InformRegistrationStatus(client *Client, objectId wire.ObjectId, opType wire.OpType, succeeded bool, description string)
}

type ClientSettings struct {
	ClientType        int32
	BatchingDelay     time.Duration
	HeartbeatInterval time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	// AckDedupeWindow is how long after its first delivery a repeat of an
	// identical invalidation is re-acked without a second upcall.
	AckDedupeWindow time.Duration
	DigestFunction  DigestFunction
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ClientType:        1,
		BatchingDelay:     DefaultBatchingDelay,
		HeartbeatInterval: DefaultHeartbeatInterval,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        2 * time.Minute,
		AckDedupeWindow:   1 * time.Minute,
		DigestFunction:    XxhashDigest,
	}
}

const clientTokenKey = "client-token"

// Client is the invalidation client: it owns the registration manager and
// protocol handler, implements the protocol listener against them, and
// manages the session token lifecycle. The application drives it with
// Start/Register/Unregister/Ack and observes it through an
// InvalidationListener.
type Client struct {
	settings   *ClientSettings
	scheduler  Scheduler
	network    NetworkChannel
	statistics *Statistics
	storage    *SafeStorage
	listener   InvalidationListener

	applicationClientId wire.ApplicationClientId

	registrationManager *RegistrationManager
	handler             *ProtocolHandler

	clientToken []byte
	// outstanding initialize nonce, nil when no initialize is in flight
	nonce   []byte
	ready   bool
	started bool

	summaryDiverged bool

	backoff             *ExponentialBackoffDelayGenerator
	recentInvalidations *ttlcache.Cache[wire.InvalidationKey, struct{}]
}

func NewClientWithDefaults(
	scheduler Scheduler,
	network NetworkChannel,
	storage Storage,
	applicationClientId wire.ApplicationClientId,
	listener InvalidationListener,
) *Client {
	return NewClient(DefaultClientSettings(), scheduler, network, storage, applicationClientId, listener)
}

func NewClient(
	settings *ClientSettings,
	scheduler Scheduler,
	network NetworkChannel,
	storage Storage,
	applicationClientId wire.ApplicationClientId,
	listener InvalidationListener,
) *Client {
	statistics := NewStatistics()
	client := &Client{
		settings:            settings,
		scheduler:           scheduler,
		network:             network,
		statistics:          statistics,
		storage:             NewSafeStorage(scheduler, storage),
		listener:            listener,
		applicationClientId: applicationClientId,
		registrationManager: NewRegistrationManager(statistics, settings.DigestFunction),
		backoff: NewExponentialBackoffDelayGenerator(
			rand.New(rand.NewSource(time.Now().UnixNano())),
			settings.MaxBackoff,
			settings.InitialBackoff,
		),
		recentInvalidations: ttlcache.New[wire.InvalidationKey, struct{}](
			ttlcache.WithTTL[wire.InvalidationKey, struct{}](settings.AckDedupeWindow),
			ttlcache.WithDisableTouchOnHit[wire.InvalidationKey, struct{}](),
		),
	}
	client.handler = NewProtocolHandler(
		&ProtocolHandlerSettings{
			BatchingDelay: settings.BatchingDelay,
		},
		scheduler,
		network,
		statistics,
		string(applicationClientId.ClientName),
		client,
		NewMessageValidator(),
	)
	network.AddNetworkStatusReceiver(client.networkStatusReceiver)
	go client.recentInvalidations.Start()
	return client
}

// Start brings the client up: restore a persisted session token if one
// exists, else initialize a new session.
func (self *Client) Start() {
	self.scheduler.Schedule(NoDelay, self.internalStart)
}

func (self *Client) internalStart() {
	if self.started {
		glog.Warning("Client already started")
		return
	}
	self.started = true
	glog.Infof("Starting invalidation client: %q %s", self.applicationClientId.ClientName, self.handler.ClientVersion().Platform)

	self.storage.ReadKey(clientTokenKey, func(value []byte, err error) {
		if !self.started {
			return
		}
		if err == nil && 0 < len(value) {
			glog.Infof("Restored session token: %x", value)
			self.clientToken = value
			self.markReady()
		} else {
			self.acquireToken("Startup")
		}
	})

	self.scheduler.Schedule(self.settings.HeartbeatInterval, self.heartbeatTask)
}

// Stop halts background work. The client cannot be restarted.
func (self *Client) Stop() {
	self.recentInvalidations.Stop()
	self.scheduler.Schedule(NoDelay, func() {
		self.started = false
	})
}

// Register adds objects to the desired registration set and stages the
// register ops for the next batch.
func (self *Client) Register(objectIds ...wire.ObjectId) {
	self.scheduler.Schedule(NoDelay, func() {
		self.performRegistrations(objectIds, wire.OpTypeRegister)
	})
}

// Unregister removes objects from the desired registration set and stages
// the unregister ops for the next batch.
func (self *Client) Unregister(objectIds ...wire.ObjectId) {
	self.scheduler.Schedule(NoDelay, func() {
		self.performRegistrations(objectIds, wire.OpTypeUnregister)
	})
}

// Ack acknowledges a delivered invalidation.
func (self *Client) Ack(invalidation wire.Invalidation) {
	self.scheduler.Schedule(NoDelay, func() {
		self.handler.SendInvalidationAck(invalidation)
	})
}

func (self *Client) Statistics() *Statistics {
	return self.statistics
}

func (self *Client) RegistrationManager() *RegistrationManager {
	return self.registrationManager
}

func (self *Client) ProtocolHandler() *ProtocolHandler {
	return self.handler
}

func (self *Client) performRegistrations(objectIds []wire.ObjectId, opType wire.OpType) {
	self.registrationManager.PerformOperations(objectIds, opType)
	self.handler.SendRegistrations(objectIds, opType)
}

// acquireToken destroys any current session and sends an initialize with a
// fresh nonce.
func (self *Client) acquireToken(debugTag string) {
	self.setClientToken(nil)
	nonce := ulid.Make()
	self.nonce = nonce.Bytes()
	glog.V(1).Infof("(%s) Initializing session with nonce %s", debugTag, nonce)
	self.handler.SendInitializeMessage(self.settings.ClientType, self.applicationClientId, self.nonce, debugTag)
}

func (self *Client) setClientToken(token []byte) {
	self.clientToken = token
	if len(token) == 0 {
		self.storage.DeleteKey(clientTokenKey, func(err error) {
			if err != nil {
				glog.Warningf("Could not delete persisted token: %s", err)
			}
		})
	} else {
		self.storage.WriteKey(clientTokenKey, token, func(err error) {
			if err != nil {
				glog.Warningf("Could not persist token: %s", err)
			}
		})
	}
}

func (self *Client) markReady() {
	if !self.ready {
		self.ready = true
		self.listener.Ready(self)
	}
}

// retryAcquireToken schedules a re-initialize paced by the backoff
// generator.
func (self *Client) retryAcquireToken(debugTag string) {
	delay := self.backoff.GetNextDelay()
	glog.Infof("(%s) Scheduling re-initialize in %s", debugTag, delay)
	self.scheduler.Schedule(delay, func() {
		if self.started && len(self.clientToken) == 0 {
			self.acquireToken(debugTag)
		}
	})
}

func (self *Client) heartbeatTask() {
	if !self.started {
		return
	}
	if 0 < len(self.clientToken) {
		glog.V(1).Info("Heartbeat")
		self.sendInfoMessage(!self.registrationManager.IsStateInSyncWithServer())
	}
	self.scheduler.Schedule(self.settings.HeartbeatInterval, self.heartbeatTask)
}

func (self *Client) sendInfoMessage(requestServerSummary bool) {
	performanceCounters := []wire.PropertyRecord{}
	for _, counter := range self.statistics.Counters() {
		performanceCounters = append(performanceCounters, wire.PropertyRecord{
			Name:  counter.Name,
			Value: counter.Value,
		})
	}
	configParams := []wire.PropertyRecord{
		{Name: "batching-delay-ms", Value: self.settings.BatchingDelay.Milliseconds()},
		{Name: "heartbeat-interval-ms", Value: self.settings.HeartbeatInterval.Milliseconds()},
	}
	self.handler.SendInfoMessage(performanceCounters, configParams, requestServerSummary)
}

// observeServerSummary tracks the server's view of the registration set. On
// the transition from in-sync to diverged, volunteer an info message asking
// for the server's summary so the two sides can reconcile.
func (self *Client) observeServerSummary(header *ServerMessageHeader) {
	if header.RegistrationSummary == nil {
		return
	}
	self.registrationManager.InformServerSummary(*header.RegistrationSummary)
	if self.registrationManager.IsStateInSyncWithServer() {
		self.summaryDiverged = false
		return
	}
	if !self.summaryDiverged {
		self.summaryDiverged = true
		glog.V(1).Info("Registration summary diverged from server")
		if 0 < len(self.clientToken) {
			self.sendInfoMessage(true)
		}
	}
}

func (self *Client) networkStatusReceiver(online bool) {
	self.scheduler.Schedule(NoDelay, func() {
		if !online || !self.started {
			return
		}
		if len(self.clientToken) == 0 && self.nonce == nil {
			self.acquireToken("NetworkUp")
		}
	})
}

// ProtocolListener implementation

func (self *Client) GetClientToken() []byte {
	return self.clientToken
}

func (self *Client) GetRegistrationSummary() wire.RegistrationSummary {
	return self.registrationManager.GetClientSummary()
}

func (self *Client) HandleTokenChanged(header *ServerMessageHeader, newToken []byte, status wire.Status) {
	if !status.IsSuccess() {
		glog.Warningf("Token control failed: %d %s", status.Code, status.Description)
		self.nonce = nil
		self.setClientToken(nil)
		self.retryAcquireToken("TokenFailure")
		return
	}

	if len(newToken) == 0 {
		glog.Info("Session token destroyed by server")
		self.nonce = nil
		self.setClientToken(nil)
		self.retryAcquireToken("TokenDestroy")
		return
	}

	// A token assign must be addressed to the outstanding nonce; a token
	// rotate must be addressed to the current token. Anything else is a
	// reply to a stale initialize.
	assign := self.nonce != nil && bytes.Equal(header.Token, self.nonce)
	rotate := 0 < len(self.clientToken) && bytes.Equal(header.Token, self.clientToken)
	if !assign && !rotate {
		glog.Warningf("Ignoring token control for stale session: %x", header.Token)
		return
	}

	self.nonce = nil
	self.setClientToken(newToken)
	self.backoff.Reset()
	glog.Infof("Session established with token %x", newToken)
	self.markReady()

	// Re-issue the desired registrations so the new session converges.
	keys := self.registrationManager.DesiredRegistrations().Keys()
	if 0 < len(keys) {
		objectIds := make([]wire.ObjectId, 0, len(keys))
		for _, key := range keys {
			objectIds = append(objectIds, key.ObjectId())
		}
		self.handler.SendRegistrations(objectIds, wire.OpTypeRegister)
	}
}

func (self *Client) HandleInvalidations(header *ServerMessageHeader, invalidations []wire.Invalidation) {
	self.observeServerSummary(header)
	for _, invalidation := range invalidations {
		key := invalidation.Key()
		if self.recentInvalidations.Get(key) != nil {
			// already delivered and unexpired; re-ack without an upcall
			self.handler.SendInvalidationAck(invalidation)
			continue
		}
		self.recentInvalidations.Set(key, struct{}{}, ttlcache.DefaultTTL)
		self.listener.Invalidate(self, invalidation)
	}
}

func (self *Client) HandleRegistrationStatus(header *ServerMessageHeader, statuses []wire.RegistrationStatus) {
	self.observeServerSummary(header)
	results := self.registrationManager.HandleRegistrationStatus(statuses)
	for i, status := range statuses {
		self.listener.InformRegistrationStatus(
			self,
			status.Registration.ObjectId,
			status.Registration.OpType,
			results[i],
			status.Status.Description,
		)
	}
}

func (self *Client) HandleRegistrationSyncRequest(header *ServerMessageHeader) {
	self.observeServerSummary(header)
	subtree := self.registrationManager.GetRegistrations(nil, 0)
	self.handler.SendRegistrationSyncSubtree(subtree)
}

func (self *Client) HandleInfoMessage(header *ServerMessageHeader, infoTypes []wire.InfoType) {
	self.observeServerSummary(header)
	for _, infoType := range infoTypes {
		if infoType == wire.InfoTypeGetPerformanceCounters {
			self.sendInfoMessage(false)
			return
		}
	}
	// an info request with no explicit type still gets the counters
	self.sendInfoMessage(false)
}

var _ ProtocolListener = (*Client)(nil)
