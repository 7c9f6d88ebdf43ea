package ticl

import (
	"sort"
	"strconv"
	"time"

	"github.com/golang/glog"

	"ticl.dev/ticl/wire"
)

// ServerMessageHeader is the parsed header of one inbound server envelope,
// as handed to the ProtocolListener.
type ServerMessageHeader struct {
	Token               []byte
	ServerTimeMs        int64
	RegistrationSummary *wire.RegistrationSummary
}

// ProtocolListener is the upper layer the protocol handler dispatches into.
// All upcalls run on the internal thread.
type ProtocolListener interface {
	// GetClientToken returns the current session token, empty if no session
	// is established.
	GetClientToken() []byte
	// GetRegistrationSummary returns the client's current registration
	// summary for outbound headers.
	GetRegistrationSummary() wire.RegistrationSummary
	HandleTokenChanged(header *ServerMessageHeader, newToken []byte, status wire.Status)
	HandleInvalidations(header *ServerMessageHeader, invalidations []wire.Invalidation)
	HandleRegistrationStatus(header *ServerMessageHeader, statuses []wire.RegistrationStatus)
	HandleRegistrationSyncRequest(header *ServerMessageHeader)
	HandleInfoMessage(header *ServerMessageHeader, infoTypes []wire.InfoType)
}

// NetworkChannel is the transport collaborator. SendMessage is fire and
// forget; delivery is best effort. Receivers may be invoked from transport
// goroutines, so the handler trampolines onto the internal thread.
type NetworkChannel interface {
	SendMessage(messageBytes []byte)
	SetMessageReceiver(receiver func(messageBytes []byte))
	AddNetworkStatusReceiver(receiver func(online bool))
}

type ProtocolHandlerSettings struct {
	BatchingDelay time.Duration
}

func DefaultProtocolHandlerSettings() *ProtocolHandlerSettings {
	return &ProtocolHandlerSettings{
		BatchingDelay: DefaultBatchingDelay,
	}
}

const opBatchingTask = OperationID("batching-task")

// ProtocolHandler speaks the client half of the invalidation wire protocol:
// it parses, validates and dispatches inbound envelopes, and batches staged
// acks, registration ops and sync subtrees into composite outbound envelopes.
// All methods must run on the internal thread.
type ProtocolHandler struct {
	scheduler  Scheduler
	network    NetworkChannel
	listener   ProtocolListener
	statistics *Statistics
	validator  *MessageValidator

	operationScheduler *OperationScheduler

	clientVersion wire.ClientVersion

	messageId             uint32
	lastKnownServerTimeMs int64
	nextMessageSendTimeMs int64

	// staging buffers, drained only by sendMessageToServer
	ackedInvalidations   map[wire.InvalidationKey]wire.Invalidation
	pendingRegistrations map[wire.ObjectIdKey]wire.OpType
	registrationSubtrees map[string]wire.RegistrationSubtree
}

func NewProtocolHandler(
	settings *ProtocolHandlerSettings,
	scheduler Scheduler,
	network NetworkChannel,
	statistics *Statistics,
	applicationName string,
	listener ProtocolListener,
	validator *MessageValidator,
) *ProtocolHandler {
	handler := &ProtocolHandler{
		scheduler:  scheduler,
		network:    network,
		listener:   listener,
		statistics: statistics,
		validator:  validator,
		clientVersion: wire.ClientVersion{
			Version: wire.Version{
				MajorVersion: ClientMajorVersion,
				MinorVersion: ClientMinorVersion,
			},
			Platform:        clientPlatform(),
			Language:        clientLanguage,
			ApplicationInfo: applicationName,
		},
		messageId:            1,
		ackedInvalidations:   map[wire.InvalidationKey]wire.Invalidation{},
		pendingRegistrations: map[wire.ObjectIdKey]wire.OpType{},
		registrationSubtrees: map[string]wire.RegistrationSubtree{},
	}
	handler.operationScheduler = NewOperationScheduler(scheduler)
	handler.operationScheduler.SetOperation(opBatchingTask, settings.BatchingDelay, handler.batchingTask)

	network.SetMessageReceiver(handler.messageReceiver)
	network.AddNetworkStatusReceiver(handler.networkStatusReceiver)

	return handler
}

func (self *ProtocolHandler) OperationScheduler() *OperationScheduler {
	return self.operationScheduler
}

func (self *ProtocolHandler) ClientVersion() wire.ClientVersion {
	return self.clientVersion
}

func (self *ProtocolHandler) LastKnownServerTimeMs() int64 {
	return self.lastKnownServerTimeMs
}

// messageReceiver trampolines inbound frames onto the internal thread.
func (self *ProtocolHandler) messageReceiver(messageBytes []byte) {
	self.scheduler.Schedule(NoDelay, func() {
		self.HandleIncomingMessage(messageBytes)
	})
}

func (self *ProtocolHandler) networkStatusReceiver(online bool) {
	// nothing to do here; the upper layer registers its own receiver
}

// HandleIncomingMessage parses, validates and dispatches one inbound server
// envelope.
func (self *ProtocolHandler) HandleIncomingMessage(messageBytes []byte) {
	assertOnThread(self.scheduler)

	message, err := wire.DecodeServerMessage(messageBytes)
	if err != nil {
		glog.Warningf("Incoming message is unparseable: %d bytes, %s", len(messageBytes), err)
		return
	}

	if !self.validator.IsValidServerMessage(message) {
		self.statistics.RecordError(ErrIncomingMessageFailure)
		glog.Errorf("Received invalid message: %v", message)
		return
	}

	self.statistics.RecordReceivedMessage(ReceivedTotal)

	messageHeader := &message.Header
	header := &ServerMessageHeader{
		Token:               messageHeader.ClientToken,
		ServerTimeMs:        messageHeader.ServerTimeMs,
		RegistrationSummary: messageHeader.RegistrationSummary,
	}

	if messageHeader.ProtocolVersion.Version.MajorVersion != ProtocolMajorVersion {
		self.statistics.RecordError(ErrProtocolVersionFailure)
		glog.Errorf("Dropping message with incompatible version: %d <> %d",
			messageHeader.ProtocolVersion.Version.MajorVersion, ProtocolMajorVersion)
		return
	}

	// A config change pauses outbound traffic. It applies before the token
	// is even checked, and all other sub-messages in the envelope are
	// ignored.
	if configChange := message.ConfigChangeMessage; configChange != nil {
		if configChange.NextMessageDelayMs > 0 {
			// validator has ensured it is positive
			self.nextMessageSendTimeMs = self.nowMs() + configChange.NextMessageDelayMs
		}
		return
	}

	if !self.checkServerToken(messageHeader.ClientToken) {
		return
	}

	if self.lastKnownServerTimeMs < messageHeader.ServerTimeMs {
		self.lastKnownServerTimeMs = messageHeader.ServerTimeMs
	}

	if tokenControl := message.TokenControlMessage; tokenControl != nil {
		self.statistics.RecordReceivedMessage(ReceivedTokenControl)
		self.listener.HandleTokenChanged(header, tokenControl.NewToken, tokenControl.Status)
	}

	// Whether the session is valid is only known after the token upcall: the
	// listener may have acquired a token or lost one. The presence of a
	// token control message alone says nothing; it could be a token-assign
	// for a stale nonce, or a token-destroy.
	if len(self.listener.GetClientToken()) == 0 {
		return
	}

	if invalidationMessage := message.InvalidationMessage; invalidationMessage != nil {
		self.statistics.RecordReceivedMessage(ReceivedInvalidation)
		self.listener.HandleInvalidations(header, invalidationMessage.Invalidation)
	}
	if statusMessage := message.RegistrationStatusMessage; statusMessage != nil {
		self.statistics.RecordReceivedMessage(ReceivedRegistrationStatus)
		self.listener.HandleRegistrationStatus(header, statusMessage.RegistrationStatus)
	}
	if message.RegistrationSyncRequestMessage != nil {
		self.statistics.RecordReceivedMessage(ReceivedRegistrationSyncRequest)
		self.listener.HandleRegistrationSyncRequest(header)
	}
	if infoRequest := message.InfoRequestMessage; infoRequest != nil {
		self.statistics.RecordReceivedMessage(ReceivedInfoRequest)
		self.listener.HandleInfoMessage(header, infoRequest.InfoType)
	}
}

// checkServerToken compares the inbound header token with the listener's.
// With no session yet there is nothing to compare; the frame is allowed
// through so that a token control message can reach the listener.
func (self *ProtocolHandler) checkServerToken(serverToken []byte) bool {
	assertOnThread(self.scheduler)
	clientToken := self.listener.GetClientToken()
	if len(clientToken) == 0 {
		return true
	}
	if string(clientToken) != string(serverToken) {
		glog.Warningf("Incoming message has bad token: %x <> %x", clientToken, serverToken)
		self.statistics.RecordError(ErrTokenMismatch)
		return false
	}
	return true
}

// SendInitializeMessage builds an initialize message and sends it
// immediately, subject to the quiet period.
func (self *ProtocolHandler) SendInitializeMessage(
	clientType int32,
	applicationClientId wire.ApplicationClientId,
	nonce []byte,
	debugTag string,
) {
	assertOnThread(self.scheduler)

	self.statistics.RecordSentMessage(SentInitialize)
	message := &wire.ClientToServerMessage{
		InitializeMessage: &wire.InitializeMessage{
			ClientType:              clientType,
			Nonce:                   nonce,
			ApplicationClientId:     applicationClientId,
			DigestSerializationType: wire.DigestSerializationTypeByteBased,
		},
	}
	self.sendMessageToServer(message, "Init-"+debugTag)
}

// SendInfoMessage builds an info message carrying the client version,
// performance counters and config parameters, and sends it immediately.
func (self *ProtocolHandler) SendInfoMessage(
	performanceCounters []wire.PropertyRecord,
	configParams []wire.PropertyRecord,
	requestServerSummary bool,
) {
	assertOnThread(self.scheduler)

	self.statistics.RecordSentMessage(SentInfo)
	message := &wire.ClientToServerMessage{
		InfoMessage: &wire.InfoMessage{
			ClientVersion:                      self.clientVersion,
			ConfigParameter:                    configParams,
			PerformanceCounter:                 performanceCounters,
			ServerRegistrationSummaryRequested: requestServerSummary,
		},
	}
	self.sendMessageToServer(message, "Info")
}

// SendRegistrations stages register/unregister ops, last write wins per
// object, and requests the batching task.
func (self *ProtocolHandler) SendRegistrations(objectIds []wire.ObjectId, opType wire.OpType) {
	assertOnThread(self.scheduler)
	for _, objectId := range objectIds {
		self.pendingRegistrations[objectId.Key()] = opType
	}
	self.operationScheduler.Schedule(opBatchingTask)
}

// SendInvalidationAck stages an invalidation ack and requests the batching
// task.
func (self *ProtocolHandler) SendInvalidationAck(invalidation wire.Invalidation) {
	assertOnThread(self.scheduler)
	self.ackedInvalidations[invalidation.Key()] = invalidation
	self.operationScheduler.Schedule(opBatchingTask)
}

// SendRegistrationSyncSubtree stages a sync subtree and requests the
// batching task.
func (self *ProtocolHandler) SendRegistrationSyncSubtree(subtree wire.RegistrationSubtree) {
	assertOnThread(self.scheduler)
	self.registrationSubtrees[subtreeKey(subtree)] = subtree
	glog.V(1).Infof("Adding subtree with %d objects", len(subtree.RegisteredObject))
	self.operationScheduler.Schedule(opBatchingTask)
}

func (self *ProtocolHandler) batchingTask() {
	self.sendMessageToServer(&wire.ClientToServerMessage{}, "BatchingTask")
}

// sendMessageToServer fills the header, drains the staging buffers into the
// builder, validates, serializes and hands the frame to the network. Drops
// during the quiet period or without a session leave the staging buffers
// intact; a validation failure after draining is accepted loss.
func (self *ProtocolHandler) sendMessageToServer(builder *wire.ClientToServerMessage, debugTag string) {
	assertOnThread(self.scheduler)

	if nowMs := self.nowMs(); nowMs < self.nextMessageSendTimeMs {
		glog.Warningf("In quiet period: not sending message to server: %d < %d",
			nowMs, self.nextMessageSendTimeMs)
		return
	}

	// An initialize message may carry additional payloads. But with no token
	// and no initialize message, nothing can be sent.
	if len(self.listener.GetClientToken()) == 0 && builder.InitializeMessage == nil {
		glog.Warningf("Cannot send message since no token and no initialize msg (%s)", debugTag)
		self.statistics.RecordError(ErrTokenMissingFailure)
		return
	}

	self.initClientHeader(&builder.Header)

	if 0 < len(self.ackedInvalidations) {
		invalidations := make([]wire.Invalidation, 0, len(self.ackedInvalidations))
		for _, key := range sortedKeys(self.ackedInvalidations) {
			invalidations = append(invalidations, self.ackedInvalidations[key])
		}
		builder.InvalidationAckMessage = &wire.InvalidationAckMessage{
			Invalidation: invalidations,
		}
		clear(self.ackedInvalidations)
		self.statistics.RecordSentMessage(SentInvalidationAck)
	}

	if 0 < len(self.pendingRegistrations) {
		registrations := make([]wire.Registration, 0, len(self.pendingRegistrations))
		for _, key := range sortedKeys(self.pendingRegistrations) {
			registrations = append(registrations, wire.Registration{
				ObjectId: key.ObjectId(),
				OpType:   self.pendingRegistrations[key],
			})
		}
		builder.RegistrationMessage = &wire.RegistrationMessage{
			Registration: registrations,
		}
		clear(self.pendingRegistrations)
		self.statistics.RecordSentMessage(SentRegistration)
	}

	if 0 < len(self.registrationSubtrees) {
		subtrees := make([]wire.RegistrationSubtree, 0, len(self.registrationSubtrees))
		for _, key := range sortedKeys(self.registrationSubtrees) {
			subtrees = append(subtrees, self.registrationSubtrees[key])
		}
		builder.RegistrationSyncMessage = &wire.RegistrationSyncMessage{
			Subtree: subtrees,
		}
		clear(self.registrationSubtrees)
		self.statistics.RecordSentMessage(SentRegistrationSync)
	}

	// the id is also bumped when the header is filled, so ids may skip
	self.messageId += 1

	if !self.validator.IsValidClientMessage(builder) {
		glog.Errorf("(%s) Tried to send invalid message", debugTag)
		self.statistics.RecordError(ErrOutgoingMessageFailure)
		return
	}

	messageBytes, err := wire.EncodeClientMessage(builder)
	if err != nil {
		glog.Errorf("(%s) Could not serialize message: %s", debugTag, err)
		self.statistics.RecordError(ErrOutgoingMessageFailure)
		return
	}
	glog.V(2).Infof("(%s) Sending message %s to server", debugTag, builder.Header.MessageId)
	self.statistics.RecordSentMessage(SentTotal)
	self.network.SendMessage(messageBytes)
}

func (self *ProtocolHandler) initClientHeader(builder *wire.ClientHeader) {
	assertOnThread(self.scheduler)
	builder.ProtocolVersion = wire.ProtocolVersion{
		Version: wire.Version{
			MajorVersion: ProtocolMajorVersion,
			MinorVersion: ProtocolMinorVersion,
		},
	}
	builder.ClientTimeMs = self.nowMs()
	builder.MessageId = strconv.FormatUint(uint64(self.messageId), 10)
	self.messageId += 1
	builder.MaxKnownServerTimeMs = self.lastKnownServerTimeMs
	summary := self.listener.GetRegistrationSummary()
	builder.RegistrationSummary = &summary
	clientToken := self.listener.GetClientToken()
	if 0 < len(clientToken) {
		glog.V(2).Infof("Sending token on client->server message: %x", clientToken)
		builder.ClientToken = clientToken
	}
}

func (self *ProtocolHandler) nowMs() int64 {
	return self.scheduler.Now().UnixMilli()
}

// subtreeKey is the canonical identity of a subtree's object set.
func subtreeKey(subtree wire.RegistrationSubtree) string {
	keys := make([]string, 0, len(subtree.RegisteredObject))
	for _, objectId := range subtree.RegisteredObject {
		keys = append(keys, strconv.FormatInt(int64(objectId.Source), 10)+":"+string(objectId.Name))
	}
	sort.Strings(keys)
	joined := ""
	for _, key := range keys {
		joined += key + "\x00"
	}
	return joined
}

func sortedKeys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i int, j int) bool {
		return formatKey(keys[i]) < formatKey(keys[j])
	})
	return keys
}

func formatKey[K comparable](key K) string {
	switch v := any(key).(type) {
	case string:
		return v
	case wire.ObjectIdKey:
		return strconv.FormatInt(int64(v.Source), 10) + ":" + v.Name
	case wire.InvalidationKey:
		return strconv.FormatInt(int64(v.Source), 10) + ":" + v.Name + ":" + strconv.FormatInt(v.Version, 10)
	default:
		return ""
	}
}
