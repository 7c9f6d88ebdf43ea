package ticl

import (
	"github.com/golang/glog"

	"ticl.dev/ticl/wire"
)

// MessageValidator is the structural predicate over protocol envelopes.
// A message that passes can be processed without further shape checks.
type MessageValidator struct {
}

func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

func (self *MessageValidator) IsValidClientMessage(message *wire.ClientToServerMessage) bool {
	header := &message.Header
	if header.ProtocolVersion.Version.MajorVersion < 0 {
		glog.Warningf("Client header has bad protocol version: %d", header.ProtocolVersion.Version.MajorVersion)
		return false
	}
	if header.MessageId == "" {
		glog.Warning("Client header missing message id")
		return false
	}
	if header.ClientTimeMs < 0 || header.MaxKnownServerTimeMs < 0 {
		glog.Warning("Client header has negative time")
		return false
	}
	if initialize := message.InitializeMessage; initialize != nil {
		if len(initialize.Nonce) == 0 {
			glog.Warning("Initialize message missing nonce")
			return false
		}
		if initialize.ClientType < 0 {
			glog.Warningf("Initialize message has bad client type: %d", initialize.ClientType)
			return false
		}
		if len(initialize.ApplicationClientId.ClientName) == 0 {
			glog.Warning("Initialize message missing application client id")
			return false
		}
	}
	if registrationMessage := message.RegistrationMessage; registrationMessage != nil {
		for _, registration := range registrationMessage.Registration {
			if !isValidObjectId(registration.ObjectId) {
				return false
			}
			if registration.OpType != wire.OpTypeRegister && registration.OpType != wire.OpTypeUnregister {
				glog.Warningf("Registration has bad op type: %d", registration.OpType)
				return false
			}
		}
	}
	if ackMessage := message.InvalidationAckMessage; ackMessage != nil {
		for _, invalidation := range ackMessage.Invalidation {
			if !isValidInvalidation(invalidation) {
				return false
			}
		}
	}
	if syncMessage := message.RegistrationSyncMessage; syncMessage != nil {
		for _, subtree := range syncMessage.Subtree {
			for _, objectId := range subtree.RegisteredObject {
				if !isValidObjectId(objectId) {
					return false
				}
			}
		}
	}
	return true
}

func (self *MessageValidator) IsValidServerMessage(message *wire.ServerToClientMessage) bool {
	header := &message.Header
	if header.ServerTimeMs < 0 {
		glog.Warning("Server header has negative time")
		return false
	}
	if configChange := message.ConfigChangeMessage; configChange != nil {
		if configChange.NextMessageDelayMs <= 0 {
			glog.Warningf("Config change has non-positive delay: %d", configChange.NextMessageDelayMs)
			return false
		}
	}
	if invalidationMessage := message.InvalidationMessage; invalidationMessage != nil {
		for _, invalidation := range invalidationMessage.Invalidation {
			if !isValidInvalidation(invalidation) {
				return false
			}
		}
	}
	if statusMessage := message.RegistrationStatusMessage; statusMessage != nil {
		for _, status := range statusMessage.RegistrationStatus {
			if !isValidObjectId(status.Registration.ObjectId) {
				return false
			}
		}
	}
	return true
}

func isValidObjectId(objectId wire.ObjectId) bool {
	if objectId.Source < 0 {
		glog.Warningf("Object id has bad source: %d", objectId.Source)
		return false
	}
	if len(objectId.Name) == 0 {
		glog.Warning("Object id missing name")
		return false
	}
	return true
}

func isValidInvalidation(invalidation wire.Invalidation) bool {
	if !isValidObjectId(invalidation.ObjectId) {
		return false
	}
	if invalidation.IsKnownVersion && invalidation.Version < 0 {
		glog.Warningf("Invalidation has bad version: %d", invalidation.Version)
		return false
	}
	return true
}
