// Package contracts provides typed accessors over the five on-chain
// contracts a host node talks to: NodeRegistry, JobMarketplace,
// PaymentEscrowWithEarnings, ProofSystem, ModelRegistry. Each facade
// maps 1-to-1 to contract functions; event logs decode into typed
// Go structs instead of raw topic/data pairs.
package contracts

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventType identifies the kind of a decoded marketplace event.
type EventType string

const (
	EventJobPosted       EventType = "JobPosted"
	EventJobClaimed      EventType = "JobClaimed"
	EventJobCompleted    EventType = "JobCompleted"
	EventPaymentReleased EventType = "PaymentReleased"
	EventProofSubmitted  EventType = "ProofSubmitted"
)

// eventSignatures holds the real Keccak256 topic hash for each event
// signature consumed by the Job Monitor.
var eventSignatures = map[EventType]common.Hash{
	EventJobPosted:       crypto.Keccak256Hash([]byte("JobPosted(uint256,address,bytes32,uint256,uint256)")),
	EventJobClaimed:      crypto.Keccak256Hash([]byte("JobClaimed(uint256,address)")),
	EventJobCompleted:    crypto.Keccak256Hash([]byte("JobCompleted(uint256,bytes32)")),
	EventPaymentReleased: crypto.Keccak256Hash([]byte("PaymentReleased(uint256,address,uint256)")),
	EventProofSubmitted:  crypto.Keccak256Hash([]byte("ProofSubmitted(uint256,address,bytes32)")),
}

// TopicHash returns the event signature topic for t.
func TopicHash(t EventType) common.Hash {
	return eventSignatures[t]
}

// ContractEvent is implemented by every decoded marketplace event.
type ContractEvent interface {
	GetEventType() EventType
	GetBlockNumber() uint64
	GetTxHash() common.Hash
	GetTimestamp() time.Time
}

type baseEvent struct {
	BlockNumber uint64
	TxHash      common.Hash
	Timestamp   time.Time
}

func (b baseEvent) GetBlockNumber() uint64    { return b.BlockNumber }
func (b baseEvent) GetTxHash() common.Hash    { return b.TxHash }
func (b baseEvent) GetTimestamp() time.Time   { return b.Timestamp }

// JobPostedEvent corresponds to JobPosted(uint256,address,bytes32,uint256,uint256).
type JobPostedEvent struct {
	baseEvent
	JobID          *big.Int
	Client         common.Address
	ModelID        [32]byte
	MaxPricePerTok *big.Int
	MaxTokens      *big.Int
}

func (e *JobPostedEvent) GetEventType() EventType { return EventJobPosted }

// JobClaimedEvent corresponds to JobClaimed(uint256,address).
type JobClaimedEvent struct {
	baseEvent
	JobID *big.Int
	Host  common.Address
}

func (e *JobClaimedEvent) GetEventType() EventType { return EventJobClaimed }

// JobCompletedEvent corresponds to JobCompleted(uint256,bytes32).
type JobCompletedEvent struct {
	baseEvent
	JobID            *big.Int
	ResultCommitment [32]byte
}

func (e *JobCompletedEvent) GetEventType() EventType { return EventJobCompleted }

// PaymentReleasedEvent corresponds to PaymentReleased(uint256,address,uint256).
type PaymentReleasedEvent struct {
	baseEvent
	JobID  *big.Int
	Host   common.Address
	Amount *big.Int
}

func (e *PaymentReleasedEvent) GetEventType() EventType { return EventPaymentReleased }

// ProofSubmittedEvent corresponds to ProofSubmitted(uint256,address,bytes32).
type ProofSubmittedEvent struct {
	baseEvent
	JobID     *big.Int
	Host      common.Address
	ProofHash [32]byte
}

func (e *ProofSubmittedEvent) GetEventType() EventType { return EventProofSubmitted }

// ParseLog decodes a raw contract log into a typed ContractEvent based
// on its first topic. Logs whose topic matches none of the known
// event signatures return (nil, nil) so callers can skip them.
func ParseLog(log types.Log, blockTime time.Time) (ContractEvent, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	base := baseEvent{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		Timestamp:   blockTime,
	}

	switch log.Topics[0] {
	case eventSignatures[EventJobPosted]:
		return parseJobPosted(log, base)
	case eventSignatures[EventJobClaimed]:
		return parseJobClaimed(log, base)
	case eventSignatures[EventJobCompleted]:
		return parseJobCompleted(log, base)
	case eventSignatures[EventPaymentReleased]:
		return parsePaymentReleased(log, base)
	case eventSignatures[EventProofSubmitted]:
		return parseProofSubmitted(log, base)
	default:
		return nil, nil
	}
}

func parseJobPosted(log types.Log, base baseEvent) (*JobPostedEvent, error) {
	if len(log.Topics) < 2 || len(log.Data) < 96 {
		return nil, fmt.Errorf("malformed JobPosted log")
	}
	ev := &JobPostedEvent{baseEvent: base}
	ev.JobID = new(big.Int).SetBytes(log.Topics[1].Bytes())
	ev.Client = common.BytesToAddress(log.Data[0:32])
	copy(ev.ModelID[:], log.Data[32:64])
	ev.MaxPricePerTok = new(big.Int).SetBytes(log.Data[64:96])
	if len(log.Data) >= 128 {
		ev.MaxTokens = new(big.Int).SetBytes(log.Data[96:128])
	} else {
		ev.MaxTokens = big.NewInt(0)
	}
	return ev, nil
}

func parseJobClaimed(log types.Log, base baseEvent) (*JobClaimedEvent, error) {
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("malformed JobClaimed log")
	}
	return &JobClaimedEvent{
		baseEvent: base,
		JobID:     new(big.Int).SetBytes(log.Topics[1].Bytes()),
		Host:      common.BytesToAddress(log.Topics[2].Bytes()),
	}, nil
}

func parseJobCompleted(log types.Log, base baseEvent) (*JobCompletedEvent, error) {
	if len(log.Topics) < 2 || len(log.Data) < 32 {
		return nil, fmt.Errorf("malformed JobCompleted log")
	}
	ev := &JobCompletedEvent{baseEvent: base}
	ev.JobID = new(big.Int).SetBytes(log.Topics[1].Bytes())
	copy(ev.ResultCommitment[:], log.Data[0:32])
	return ev, nil
}

func parsePaymentReleased(log types.Log, base baseEvent) (*PaymentReleasedEvent, error) {
	if len(log.Topics) < 3 || len(log.Data) < 32 {
		return nil, fmt.Errorf("malformed PaymentReleased log")
	}
	return &PaymentReleasedEvent{
		baseEvent: base,
		JobID:     new(big.Int).SetBytes(log.Topics[1].Bytes()),
		Host:      common.BytesToAddress(log.Topics[2].Bytes()),
		Amount:    new(big.Int).SetBytes(log.Data[0:32]),
	}, nil
}

func parseProofSubmitted(log types.Log, base baseEvent) (*ProofSubmittedEvent, error) {
	if len(log.Topics) < 3 || len(log.Data) < 32 {
		return nil, fmt.Errorf("malformed ProofSubmitted log")
	}
	ev := &ProofSubmittedEvent{baseEvent: base}
	ev.JobID = new(big.Int).SetBytes(log.Topics[1].Bytes())
	ev.Host = common.BytesToAddress(log.Topics[2].Bytes())
	copy(ev.ProofHash[:], log.Data[0:32])
	return ev, nil
}
