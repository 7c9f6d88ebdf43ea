package wire

// Message shapes for the invalidation protocol. Client and server exchange
// single envelopes (ClientToServerMessage / ServerToClientMessage) where
// every sub-message is optional. Encoding is msgpack, see codec.go.

type Version struct {
	MajorVersion int32 `msgpack:"major_version"`
	MinorVersion int32 `msgpack:"minor_version"`
}

type ProtocolVersion struct {
	Version Version `msgpack:"version"`
}

type ClientVersion struct {
	Version         Version `msgpack:"version"`
	Platform        string  `msgpack:"platform"`
	Language        string  `msgpack:"language"`
	ApplicationInfo string  `msgpack:"application_info,omitempty"`
}

// ObjectId names one tracked object. The (source, name) pair is the
// subscription key.
type ObjectId struct {
	Source int32  `msgpack:"source"`
	Name   []byte `msgpack:"name"`
}

// ObjectIdKey is a comparable form of ObjectId for use as a map key.
type ObjectIdKey struct {
	Source int32
	Name   string
}

func (self ObjectId) Key() ObjectIdKey {
	return ObjectIdKey{
		Source: self.Source,
		Name:   string(self.Name),
	}
}

func (self ObjectIdKey) ObjectId() ObjectId {
	return ObjectId{
		Source: self.Source,
		Name:   []byte(self.Name),
	}
}

// Invalidation notifies that an object's cached value is out of date at
// Version. IsKnownVersion false means the server does not know the latest
// version for the object.
type Invalidation struct {
	ObjectId       ObjectId `msgpack:"object_id"`
	IsKnownVersion bool     `msgpack:"is_known_version"`
	Version        int64    `msgpack:"version"`
	Payload        []byte   `msgpack:"payload,omitempty"`
}

// InvalidationKey is a comparable form of Invalidation over its logical
// fields, for use as a set key.
type InvalidationKey struct {
	Source         int32
	Name           string
	IsKnownVersion bool
	Version        int64
	Payload        string
}

func (self Invalidation) Key() InvalidationKey {
	return InvalidationKey{
		Source:         self.ObjectId.Source,
		Name:           string(self.ObjectId.Name),
		IsKnownVersion: self.IsKnownVersion,
		Version:        self.Version,
		Payload:        string(self.Payload),
	}
}

func (self InvalidationKey) Invalidation() Invalidation {
	return Invalidation{
		ObjectId: ObjectId{
			Source: self.Source,
			Name:   []byte(self.Name),
		},
		IsKnownVersion: self.IsKnownVersion,
		Version:        self.Version,
		Payload:        []byte(self.Payload),
	}
}

// RegistrationSummary is the order-independent fingerprint of a registration
// set: element count plus a commutative digest.
type RegistrationSummary struct {
	NumRegistrations   int32  `msgpack:"num_registrations"`
	RegistrationDigest []byte `msgpack:"registration_digest"`
}

type OpType int32

const (
	OpTypeRegister   OpType = 1
	OpTypeUnregister OpType = 2
)

func (self OpType) String() string {
	switch self {
	case OpTypeRegister:
		return "Register"
	case OpTypeUnregister:
		return "Unregister"
	default:
		return "UnknownOpType"
	}
}

type Registration struct {
	ObjectId ObjectId `msgpack:"object_id"`
	OpType   OpType   `msgpack:"op_type"`
}

type StatusCode int32

const (
	StatusCodeSuccess          StatusCode = 1
	StatusCodeTransientFailure StatusCode = 2
	StatusCodePermanentFailure StatusCode = 3
)

type Status struct {
	Code        StatusCode `msgpack:"code"`
	Description string     `msgpack:"description,omitempty"`
}

func (self Status) IsSuccess() bool {
	return self.Code == StatusCodeSuccess
}

type RegistrationStatus struct {
	Registration Registration `msgpack:"registration"`
	Status       Status       `msgpack:"status"`
}

// RegistrationSubtree carries the objects whose digests share a common bit
// prefix, for server-driven registration sync.
type RegistrationSubtree struct {
	RegisteredObject []ObjectId `msgpack:"registered_object"`
}

type ClientHeader struct {
	ProtocolVersion      ProtocolVersion      `msgpack:"protocol_version"`
	ClientTimeMs         int64                `msgpack:"client_time_ms"`
	MessageId            string               `msgpack:"message_id"`
	MaxKnownServerTimeMs int64                `msgpack:"max_known_server_time_ms"`
	RegistrationSummary  *RegistrationSummary `msgpack:"registration_summary,omitempty"`
	ClientToken          []byte               `msgpack:"client_token,omitempty"`
}

type ServerHeader struct {
	ProtocolVersion     ProtocolVersion      `msgpack:"protocol_version"`
	ClientToken         []byte               `msgpack:"client_token,omitempty"`
	ServerTimeMs        int64                `msgpack:"server_time_ms"`
	RegistrationSummary *RegistrationSummary `msgpack:"registration_summary,omitempty"`
}

type DigestSerializationType int32

const (
	DigestSerializationTypeByteBased DigestSerializationType = 1
)

type ApplicationClientId struct {
	ClientName []byte `msgpack:"client_name"`
}

type InitializeMessage struct {
	ClientType              int32                   `msgpack:"client_type"`
	Nonce                   []byte                  `msgpack:"nonce"`
	ApplicationClientId     ApplicationClientId     `msgpack:"application_client_id"`
	DigestSerializationType DigestSerializationType `msgpack:"digest_serialization_type"`
}

type PropertyRecord struct {
	Name  string `msgpack:"name"`
	Value int64  `msgpack:"value"`
}

type InfoMessage struct {
	ClientVersion                      ClientVersion    `msgpack:"client_version"`
	ConfigParameter                    []PropertyRecord `msgpack:"config_parameter,omitempty"`
	PerformanceCounter                 []PropertyRecord `msgpack:"performance_counter,omitempty"`
	ServerRegistrationSummaryRequested bool             `msgpack:"server_registration_summary_requested,omitempty"`
}

type RegistrationMessage struct {
	Registration []Registration `msgpack:"registration"`
}

type InvalidationMessage struct {
	Invalidation []Invalidation `msgpack:"invalidation"`
}

type InvalidationAckMessage struct {
	Invalidation []Invalidation `msgpack:"invalidation"`
}

type RegistrationStatusMessage struct {
	RegistrationStatus []RegistrationStatus `msgpack:"registration_status"`
}

type RegistrationSyncMessage struct {
	Subtree []RegistrationSubtree `msgpack:"subtree"`
}

type RegistrationSyncRequestMessage struct {
}

type InfoType int32

const (
	InfoTypeGetPerformanceCounters InfoType = 1
)

type InfoRequestMessage struct {
	InfoType []InfoType `msgpack:"info_type"`
}

type ConfigChangeMessage struct {
	NextMessageDelayMs int64 `msgpack:"next_message_delay_ms"`
}

type TokenControlMessage struct {
	NewToken []byte `msgpack:"new_token,omitempty"`
	Status   Status `msgpack:"status"`
}

type ClientToServerMessage struct {
	Header                  ClientHeader             `msgpack:"header"`
	InitializeMessage       *InitializeMessage       `msgpack:"initialize_message,omitempty"`
	InfoMessage             *InfoMessage             `msgpack:"info_message,omitempty"`
	RegistrationMessage     *RegistrationMessage     `msgpack:"registration_message,omitempty"`
	InvalidationAckMessage  *InvalidationAckMessage  `msgpack:"invalidation_ack_message,omitempty"`
	RegistrationSyncMessage *RegistrationSyncMessage `msgpack:"registration_sync_message,omitempty"`
}

type ServerToClientMessage struct {
	Header                         ServerHeader                    `msgpack:"header"`
	TokenControlMessage            *TokenControlMessage            `msgpack:"token_control_message,omitempty"`
	InvalidationMessage            *InvalidationMessage            `msgpack:"invalidation_message,omitempty"`
	RegistrationStatusMessage      *RegistrationStatusMessage      `msgpack:"registration_status_message,omitempty"`
	RegistrationSyncRequestMessage *RegistrationSyncRequestMessage `msgpack:"registration_sync_request_message,omitempty"`
	InfoRequestMessage             *InfoRequestMessage             `msgpack:"info_request_message,omitempty"`
	ConfigChangeMessage            *ConfigChangeMessage            `msgpack:"config_change_message,omitempty"`
}
