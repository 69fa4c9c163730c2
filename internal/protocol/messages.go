package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// The four message families are tagged unions: a Type discriminant plus one
// pointer per variant. Exactly one variant pointer must be non-nil for the
// tagged type; Validate enforces this on decode so a malformed peer cannot
// smuggle an ambiguous message past the dispatch switch.

// ProducerCommandType discriminates ProducerCommand variants.
type ProducerCommandType uint8

const (
	CmdStart ProducerCommandType = iota + 1
	CmdUpdateConfig
	CmdSyncCheck
	CmdPing
	CmdStop
)

func (t ProducerCommandType) String() string {
	switch t {
	case CmdStart:
		return "start"
	case CmdUpdateConfig:
		return "update_config"
	case CmdSyncCheck:
		return "sync_check"
	case CmdPing:
		return "ping"
	case CmdStop:
		return "stop"
	default:
		return "unknown"
	}
}

// StartCommand begins generation on a producer. Each producer receives
// exactly one Start per session; later adjustments travel as UpdateConfig.
type StartCommand struct {
	Topic            string           `msgpack:"topic"`
	Prompt           string           `msgpack:"prompt"`
	RoutingStrategy  RoutingStrategy  `msgpack:"routing_strategy"`
	GenerationConfig GenerationConfig `msgpack:"generation_config"`
}

// UpdateConfigCommand adjusts a running producer. Nil fields are left
// unchanged; the next loop pass observes new values.
type UpdateConfigCommand struct {
	Prompt           *string           `msgpack:"prompt,omitempty"`
	RoutingStrategy  *RoutingStrategy  `msgpack:"routing_strategy,omitempty"`
	GenerationConfig *GenerationConfig `msgpack:"generation_config,omitempty"`
}

// SyncCheckCommand ships dedup state to a producer: a serialized bloom
// snapshot, an explicit seen-values list for prompt exclusions, or both.
type SyncCheckCommand struct {
	SyncID        uint64   `msgpack:"sync_id"`
	BloomFilter   []byte   `msgpack:"bloom_filter,omitempty"`
	BloomVersion  uint64   `msgpack:"bloom_version,omitempty"`
	SeenValues    []string `msgpack:"seen_values,omitempty"`
	RequiresDedup bool     `msgpack:"requires_dedup"`
}

// ProducerCommand travels orchestrator → producer.
type ProducerCommand struct {
	Type      ProducerCommandType  `msgpack:"type"`
	CommandID uint64               `msgpack:"command_id"`
	Start     *StartCommand        `msgpack:"start,omitempty"`
	Update    *UpdateConfigCommand `msgpack:"update,omitempty"`
	Sync      *SyncCheckCommand    `msgpack:"sync,omitempty"`
}

// Validate checks that the variant pointer matches the discriminant.
func (c *ProducerCommand) Validate() error {
	switch c.Type {
	case CmdStart:
		if c.Start == nil {
			return fmt.Errorf("start command missing payload")
		}
	case CmdUpdateConfig:
		if c.Update == nil {
			return fmt.Errorf("update_config command missing payload")
		}
	case CmdSyncCheck:
		if c.Sync == nil {
			return fmt.Errorf("sync_check command missing payload")
		}
	case CmdPing, CmdStop:
	default:
		return fmt.Errorf("unknown producer command type %d", c.Type)
	}
	return nil
}

// ProducerUpdateType discriminates ProducerUpdate variants.
type ProducerUpdateType uint8

const (
	UpdReady ProducerUpdateType = iota + 1
	UpdData
	UpdStatistics
	UpdSyncAck
	UpdPong
	UpdError
)

func (t ProducerUpdateType) String() string {
	switch t {
	case UpdReady:
		return "ready"
	case UpdData:
		return "data_update"
	case UpdStatistics:
		return "statistics_update"
	case UpdSyncAck:
		return "sync_ack"
	case UpdPong:
		return "pong"
	case UpdError:
		return "error"
	default:
		return "unknown"
	}
}

// ReadyUpdate is the producer's bootstrap handshake: who it is and the port
// on which it accepts orchestrator command connections.
type ReadyUpdate struct {
	ProducerID ProducerID `msgpack:"producer_id"`
	ListenPort uint16     `msgpack:"listen_port"`
}

// DataUpdate carries one batch of candidate attributes.
type DataUpdate struct {
	ProducerID       ProducerID       `msgpack:"producer_id"`
	Attributes       []string         `msgpack:"attributes"`
	ProviderUsed     Provider         `msgpack:"provider_used"`
	ProviderMetadata ProviderMetadata `msgpack:"provider_metadata"`
	BloomStats       *BloomStats      `msgpack:"bloom_stats,omitempty"`
}

// StatisticsUpdate refreshes the orchestrator's view of a producer.
type StatisticsUpdate struct {
	ProducerID          ProducerID                       `msgpack:"producer_id"`
	Status              ProducerStatus                   `msgpack:"status"`
	StatusDetail        string                           `msgpack:"status_detail,omitempty"`
	ProviderPerformance map[Provider]ProviderPerformance `msgpack:"provider_performance,omitempty"`
}

// SyncAckStatus reports how a producer handled a SyncCheck.
type SyncAckStatus uint8

const (
	SyncReady SyncAckStatus = iota + 1
	SyncBloomUpdated
	SyncBusy
	SyncFailed
)

func (s SyncAckStatus) String() string {
	switch s {
	case SyncReady:
		return "ready"
	case SyncBloomUpdated:
		return "bloom_updated"
	case SyncBusy:
		return "busy"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncAck acknowledges a SyncCheck.
type SyncAck struct {
	SyncID    uint64        `msgpack:"sync_id"`
	Status    SyncAckStatus `msgpack:"status"`
	BloomSize uint64        `msgpack:"bloom_size,omitempty"`
	Reason    string        `msgpack:"reason,omitempty"`
}

// ErrorUpdate reports a producer-side failure that is not a provider stats
// event, e.g. a command it could not decode.
type ErrorUpdate struct {
	Code      string `msgpack:"code"`
	Message   string `msgpack:"message"`
	CommandID uint64 `msgpack:"command_id,omitempty"`
}

// ProducerUpdate travels producer → orchestrator.
type ProducerUpdate struct {
	Type       ProducerUpdateType `msgpack:"type"`
	Ready      *ReadyUpdate       `msgpack:"ready,omitempty"`
	Data       *DataUpdate        `msgpack:"data,omitempty"`
	Statistics *StatisticsUpdate  `msgpack:"statistics,omitempty"`
	SyncAck    *SyncAck           `msgpack:"sync_ack,omitempty"`
	CommandID  uint64             `msgpack:"command_id,omitempty"`
	Error      *ErrorUpdate       `msgpack:"error,omitempty"`
}

// Validate checks that the variant pointer matches the discriminant.
func (u *ProducerUpdate) Validate() error {
	switch u.Type {
	case UpdReady:
		if u.Ready == nil {
			return fmt.Errorf("ready update missing payload")
		}
	case UpdData:
		if u.Data == nil {
			return fmt.Errorf("data update missing payload")
		}
	case UpdStatistics:
		if u.Statistics == nil {
			return fmt.Errorf("statistics update missing payload")
		}
	case UpdSyncAck:
		if u.SyncAck == nil {
			return fmt.Errorf("sync_ack update missing payload")
		}
	case UpdError:
		if u.Error == nil {
			return fmt.Errorf("error update missing payload")
		}
	case UpdPong:
	default:
		return fmt.Errorf("unknown producer update type %d", u.Type)
	}
	return nil
}

// WebServerRequestType discriminates WebServerRequest variants.
type WebServerRequestType uint8

const (
	ReqReady WebServerRequestType = iota + 1
	ReqStartGeneration
	ReqStopGeneration
	ReqStatus
)

func (t WebServerRequestType) String() string {
	switch t {
	case ReqReady:
		return "ready"
	case ReqStartGeneration:
		return "start_generation"
	case ReqStopGeneration:
		return "stop_generation"
	case ReqStatus:
		return "request_status"
	default:
		return "unknown"
	}
}

// WebReady is the webserver's bootstrap handshake.
type WebReady struct {
	ListenPort uint16 `msgpack:"listen_port"`
	HTTPPort   uint16 `msgpack:"http_port"`
}

// StartGeneration begins a new topic session.
type StartGeneration struct {
	Topic            string            `msgpack:"topic"`
	ProducerCount    int               `msgpack:"producer_count"`
	Iterations       *uint64           `msgpack:"iterations,omitempty"`
	RoutingStrategy  *RoutingStrategy  `msgpack:"routing_strategy,omitempty"`
	GenerationConfig *GenerationConfig `msgpack:"generation_config,omitempty"`
	Prompt           string            `msgpack:"prompt,omitempty"`
}

// WebServerRequest travels webserver → orchestrator.
type WebServerRequest struct {
	Type      WebServerRequestType `msgpack:"type"`
	RequestID uint64               `msgpack:"request_id"`
	Ready     *WebReady            `msgpack:"ready,omitempty"`
	Start     *StartGeneration     `msgpack:"start,omitempty"`
}

// Validate checks that the variant pointer matches the discriminant.
func (r *WebServerRequest) Validate() error {
	switch r.Type {
	case ReqReady:
		if r.Ready == nil {
			return fmt.Errorf("ready request missing payload")
		}
	case ReqStartGeneration:
		if r.Start == nil {
			return fmt.Errorf("start_generation request missing payload")
		}
	case ReqStopGeneration, ReqStatus:
	default:
		return fmt.Errorf("unknown webserver request type %d", r.Type)
	}
	return nil
}

// OrchestratorUpdateType discriminates OrchestratorUpdate variants.
type OrchestratorUpdateType uint8

const (
	OrchNewAttributes OrchestratorUpdateType = iota + 1
	OrchStatistics
	OrchGenerationComplete
	OrchError
	OrchCommandResult
)

func (t OrchestratorUpdateType) String() string {
	switch t {
	case OrchNewAttributes:
		return "new_attributes"
	case OrchStatistics:
		return "statistics_update"
	case OrchGenerationComplete:
		return "generation_complete"
	case OrchError:
		return "error_notification"
	case OrchCommandResult:
		return "command_result"
	default:
		return "unknown"
	}
}

// NewAttributes announces newly unique attributes in arrival order.
type NewAttributes struct {
	Attributes []AttributeUpdate `msgpack:"attributes"`
}

// GenerationComplete marks the end of a topic session.
type GenerationComplete struct {
	Timestamp        int64            `msgpack:"timestamp"`
	Topic            string           `msgpack:"topic"`
	TotalIterations  uint64           `msgpack:"total_iterations"`
	FinalUniqueCount uint64           `msgpack:"final_unique_count"`
	CompletionReason CompletionReason `msgpack:"completion_reason"`
	Detail           string           `msgpack:"detail,omitempty"`
}

// CommandResult acknowledges a WebServerRequest by its RequestID.
type CommandResult struct {
	RequestID uint64 `msgpack:"request_id"`
	Success   bool   `msgpack:"success"`
	Message   string `msgpack:"message,omitempty"`
}

// OrchestratorUpdate travels orchestrator → webserver.
type OrchestratorUpdate struct {
	Type       OrchestratorUpdateType `msgpack:"type"`
	Attributes *NewAttributes         `msgpack:"attributes,omitempty"`
	Metrics    *SystemMetrics         `msgpack:"metrics,omitempty"`
	Complete   *GenerationComplete    `msgpack:"complete,omitempty"`
	Error      string                 `msgpack:"error,omitempty"`
	Result     *CommandResult         `msgpack:"result,omitempty"`
}

// Validate checks that the variant pointer matches the discriminant.
func (u *OrchestratorUpdate) Validate() error {
	switch u.Type {
	case OrchNewAttributes:
		if u.Attributes == nil {
			return fmt.Errorf("new_attributes update missing payload")
		}
	case OrchStatistics:
		if u.Metrics == nil {
			return fmt.Errorf("statistics update missing payload")
		}
	case OrchGenerationComplete:
		if u.Complete == nil {
			return fmt.Errorf("generation_complete update missing payload")
		}
	case OrchCommandResult:
		if u.Result == nil {
			return fmt.Errorf("command_result update missing payload")
		}
	case OrchError:
	default:
		return fmt.Errorf("unknown orchestrator update type %d", u.Type)
	}
	return nil
}

// validatable lets the codec reject structurally invalid messages uniformly.
type validatable interface {
	Validate() error
}

// Encode serializes msg to its msgpack payload.
func Encode(msg any) ([]byte, error) {
	if v, ok := msg.(validatable); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
	}
	b, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return b, nil
}

// Decode deserializes a msgpack payload into msg and validates it.
func Decode(data []byte, msg any) error {
	if err := msgpack.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if v, ok := msg.(validatable); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
	return nil
}
