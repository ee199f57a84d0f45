package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshcompute/host-node/pkg/ethereum"
)

// JobState mirrors the on-chain job lifecycle.
type JobState int

const (
	JobStatePosted JobState = iota
	JobStateClaimed
	JobStateCompleted
	JobStateCancelled
	JobStateDisputed
)

func (s JobState) String() string {
	switch s {
	case JobStatePosted:
		return "posted"
	case JobStateClaimed:
		return "claimed"
	case JobStateCompleted:
		return "completed"
	case JobStateCancelled:
		return "cancelled"
	case JobStateDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// Job is the off-chain projection of a marketplace job record.
type Job struct {
	JobID            *big.Int
	Client           common.Address
	ModelID          [32]byte
	MaxPricePerToken *big.Int
	MaxTokens        *big.Int
	CreatedAt        *big.Int
	Deadline         *big.Int
	State            JobState
	AssignedHost     common.Address
	ResultCommitment [32]byte
}

// Addresses holds the five required on-chain contract addresses.
// No defaults — all must be loaded from configuration.
type Addresses struct {
	NodeRegistry     common.Address
	JobMarketplace   common.Address
	PaymentEscrow    common.Address
	ProofSystem      common.Address
	ModelRegistry    common.Address
	USDCToken        common.Address
	EZKLVerifier     common.Address // optional, zero address means not deployed
}

// NodeRegistryFacade wraps the NodeRegistry contract: host registration,
// heartbeat, stake, and capability queries.
type NodeRegistryFacade struct {
	client *ethereum.Client
	addr   common.Address
}

func NewNodeRegistryFacade(client *ethereum.Client, addr common.Address) *NodeRegistryFacade {
	return &NodeRegistryFacade{client: client, addr: addr}
}

// RegisterNode submits registerNode(stake, metadata).
func (f *NodeRegistryFacade) RegisterNode(ctx context.Context, privateKeyHex string, stake *big.Int, metadataJSON []byte, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, nodeRegistryABI, privateKeyHex, "registerNode", gasLimit, stake, metadataJSON)
}

// Heartbeat submits heartbeat() to refresh node liveness.
func (f *NodeRegistryFacade) Heartbeat(ctx context.Context, privateKeyHex string, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, nodeRegistryABI, privateKeyHex, "heartbeat", gasLimit)
}

// UnregisterNode submits unregisterNode().
func (f *NodeRegistryFacade) UnregisterNode(ctx context.Context, privateKeyHex string, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, nodeRegistryABI, privateKeyHex, "unregisterNode", gasLimit)
}

// RegisteredModels reads the list of model identifiers this host is
// registered to serve.
func (f *NodeRegistryFacade) RegisteredModels(ctx context.Context, host common.Address) ([]string, error) {
	out, err := f.client.CallContract(ctx, f.addr, nodeRegistryABI, "registeredModels", host)
	if err != nil {
		return nil, fmt.Errorf("registeredModels: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	models, ok := out[0].([]string)
	if !ok {
		return nil, fmt.Errorf("unexpected return type for registeredModels")
	}
	return models, nil
}

// MinimumStake reads the contract's configured minimum stake.
func (f *NodeRegistryFacade) MinimumStake(ctx context.Context) (*big.Int, error) {
	out, err := f.client.CallContract(ctx, f.addr, nodeRegistryABI, "minimumStake")
	if err != nil {
		return nil, fmt.Errorf("minimumStake: %w", err)
	}
	if len(out) == 0 {
		return big.NewInt(0), nil
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected return type for minimumStake")
	}
	return amount, nil
}

// JobMarketplaceFacade wraps the JobMarketplace contract: job reads,
// claim, unclaim.
type JobMarketplaceFacade struct {
	client *ethereum.Client
	addr   common.Address
}

func NewJobMarketplaceFacade(client *ethereum.Client, addr common.Address) *JobMarketplaceFacade {
	return &JobMarketplaceFacade{client: client, addr: addr}
}

func (f *JobMarketplaceFacade) Address() common.Address { return f.addr }

// GetJob reads a job record by id.
func (f *JobMarketplaceFacade) GetJob(ctx context.Context, jobID *big.Int) (*Job, error) {
	out, err := f.client.CallContract(ctx, f.addr, jobMarketplaceABI, "getJob", jobID)
	if err != nil {
		return nil, fmt.Errorf("getJob: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("getJob: empty result")
	}
	job, ok := out[0].(Job)
	if !ok {
		return nil, fmt.Errorf("unexpected return type for getJob")
	}
	return &job, nil
}

// ClaimJob submits claimJob(job_id). Reverts with "already claimed"
// surface as a chain-conflict error by the caller.
func (f *JobMarketplaceFacade) ClaimJob(ctx context.Context, privateKeyHex string, jobID *big.Int, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, jobMarketplaceABI, privateKeyHex, "claimJob", gasLimit, jobID)
}

// ClaimJobWithRetry submits claimJob with gas-price escalation retry
// (mirrors the chain adapter's transaction-inclusion policy).
func (f *JobMarketplaceFacade) ClaimJobWithRetry(ctx context.Context, privateKeyHex string, jobID *big.Int, gasLimit uint64, maxRetries int) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransactionWithRetry(ctx, f.addr, jobMarketplaceABI, privateKeyHex, "claimJob", gasLimit, maxRetries, jobID)
}

// Unclaim submits unclaim(job_id), returning the job to Posted.
func (f *JobMarketplaceFacade) Unclaim(ctx context.Context, privateKeyHex string, jobID *big.Int, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, jobMarketplaceABI, privateKeyHex, "unclaim", gasLimit, jobID)
}

// CompleteJob submits completeJob(job_id, result_commitment).
func (f *JobMarketplaceFacade) CompleteJob(ctx context.Context, privateKeyHex string, jobID *big.Int, resultCommitment [32]byte, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, jobMarketplaceABI, privateKeyHex, "completeJob", gasLimit, jobID, resultCommitment)
}

// PaymentEscrowFacade wraps PaymentEscrowWithEarnings: escrow reads,
// claim, withdraw.
type PaymentEscrowFacade struct {
	client *ethereum.Client
	addr   common.Address
}

func NewPaymentEscrowFacade(client *ethereum.Client, addr common.Address) *PaymentEscrowFacade {
	return &PaymentEscrowFacade{client: client, addr: addr}
}

// IsJobPayable reads isJobPayable(job_id).
func (f *PaymentEscrowFacade) IsJobPayable(ctx context.Context, jobID *big.Int) (bool, error) {
	out, err := f.client.CallContract(ctx, f.addr, paymentEscrowABI, "isJobPayable", jobID)
	if err != nil {
		return false, fmt.Errorf("isJobPayable: %w", err)
	}
	if len(out) == 0 {
		return false, nil
	}
	payable, _ := out[0].(bool)
	return payable, nil
}

// EscrowBalance reads escrowBalance(job_id).
func (f *PaymentEscrowFacade) EscrowBalance(ctx context.Context, jobID *big.Int) (*big.Int, error) {
	out, err := f.client.CallContract(ctx, f.addr, paymentEscrowABI, "escrowBalance", jobID)
	if err != nil {
		return nil, fmt.Errorf("escrowBalance: %w", err)
	}
	if len(out) == 0 {
		return big.NewInt(0), nil
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected return type for escrowBalance")
	}
	return balance, nil
}

// ClaimPayment submits claimPayment(job_id). The contract performs
// the host/treasury/stakers split on chain.
func (f *PaymentEscrowFacade) ClaimPayment(ctx context.Context, privateKeyHex string, jobID *big.Int, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, paymentEscrowABI, privateKeyHex, "claimPayment", gasLimit, jobID)
}

// ClaimAccumulated flushes the accumulator for a host.
func (f *PaymentEscrowFacade) ClaimAccumulated(ctx context.Context, privateKeyHex string, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, paymentEscrowABI, privateKeyHex, "claimAccumulated", gasLimit)
}

// Withdraw moves the host's credited balance to destination.
func (f *PaymentEscrowFacade) Withdraw(ctx context.Context, privateKeyHex string, node, destination common.Address, amount *big.Int, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, paymentEscrowABI, privateKeyHex, "withdraw", gasLimit, node, destination, amount)
}

// ProofSystemFacade wraps ProofSystem: checkpoint submission and
// result commitment submission.
type ProofSystemFacade struct {
	client *ethereum.Client
	addr   common.Address
}

func NewProofSystemFacade(client *ethereum.Client, addr common.Address) *ProofSystemFacade {
	return &ProofSystemFacade{client: client, addr: addr}
}

// SubmitCheckpoint submits submitCheckpoint(job_id, tokens_end, proof_bytes).
// proof_bytes is an opaque signature the contract validates (
// open question — wire format not specified beyond "bytes").
func (f *ProofSystemFacade) SubmitCheckpoint(ctx context.Context, privateKeyHex string, jobID *big.Int, tokensEnd *big.Int, proofBytes []byte, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, proofSystemABI, privateKeyHex, "submitCheckpoint", gasLimit, jobID, tokensEnd, proofBytes)
}

// SubmitResult submits submitResult(job_id, outputCID, proofCID,
// metadataCID, tokensUsed, inferenceTimeMs).
func (f *ProofSystemFacade) SubmitResult(ctx context.Context, privateKeyHex string, jobID *big.Int, outputCID, proofCID, metadataCID string, tokensUsed *big.Int, inferenceTimeMs uint64, gasLimit uint64) (*ethereum.ContractCallResult, error) {
	return f.client.SendContractTransaction(ctx, f.addr, proofSystemABI, privateKeyHex, "submitResult", gasLimit, jobID, outputCID, proofCID, metadataCID, tokensUsed, inferenceTimeMs)
}

// ModelRegistryFacade wraps ModelRegistry: approved model identifier
// lookups used by the Model-Capability Validator.
type ModelRegistryFacade struct {
	client *ethereum.Client
	addr   common.Address
}

func NewModelRegistryFacade(client *ethereum.Client, addr common.Address) *ModelRegistryFacade {
	return &ModelRegistryFacade{client: client, addr: addr}
}

// IsApprovedModel reads whether modelID is an approved registry entry.
func (f *ModelRegistryFacade) IsApprovedModel(ctx context.Context, modelID string) (bool, error) {
	out, err := f.client.CallContract(ctx, f.addr, modelRegistryABI, "isApprovedModel", modelID)
	if err != nil {
		return false, fmt.Errorf("isApprovedModel: %w", err)
	}
	if len(out) == 0 {
		return false, nil
	}
	approved, _ := out[0].(bool)
	return approved, nil
}

// ApprovedModels reads the full list of registry-approved model
// identifiers.
func (f *ModelRegistryFacade) ApprovedModels(ctx context.Context) ([]string, error) {
	out, err := f.client.CallContract(ctx, f.addr, modelRegistryABI, "approvedModels")
	if err != nil {
		return nil, fmt.Errorf("approvedModels: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	models, ok := out[0].([]string)
	if !ok {
		return nil, fmt.Errorf("unexpected return type for approvedModels")
	}
	return models, nil
}

// These minimal ABI fragments describe only the functions the
// facades above call. Full ABIs are generated build artifacts in
// production; these cover the wire shapes names.
const (
	nodeRegistryABI = `[
		{"name":"registerNode","type":"function","inputs":[{"name":"stake","type":"uint256"},{"name":"metadata","type":"bytes"}],"outputs":[]},
		{"name":"heartbeat","type":"function","inputs":[],"outputs":[]},
		{"name":"unregisterNode","type":"function","inputs":[],"outputs":[]},
		{"name":"registeredModels","type":"function","inputs":[{"name":"host","type":"address"}],"outputs":[{"name":"","type":"string[]"}]},
		{"name":"minimumStake","type":"function","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
	]`

	jobMarketplaceABI = `[
		{"name":"getJob","type":"function","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"","type":"tuple"}]},
		{"name":"claimJob","type":"function","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
		{"name":"unclaim","type":"function","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
		{"name":"completeJob","type":"function","inputs":[{"name":"jobId","type":"uint256"},{"name":"resultCommitment","type":"bytes32"}],"outputs":[]}
	]`

	paymentEscrowABI = `[
		{"name":"isJobPayable","type":"function","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"escrowBalance","type":"function","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"claimPayment","type":"function","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"claimAccumulated","type":"function","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"withdraw","type":"function","inputs":[{"name":"node","type":"address"},{"name":"destination","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
	]`

	proofSystemABI = `[
		{"name":"submitCheckpoint","type":"function","inputs":[{"name":"jobId","type":"uint256"},{"name":"tokensEnd","type":"uint256"},{"name":"proof","type":"bytes"}],"outputs":[]},
		{"name":"submitResult","type":"function","inputs":[{"name":"jobId","type":"uint256"},{"name":"outputCid","type":"string"},{"name":"proofCid","type":"string"},{"name":"metadataCid","type":"string"},{"name":"tokensUsed","type":"uint256"},{"name":"inferenceTimeMs","type":"uint256"}],"outputs":[]}
	]`

	modelRegistryABI = `[
		{"name":"isApprovedModel","type":"function","inputs":[{"name":"modelId","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"approvedModels","type":"function","inputs":[],"outputs":[{"name":"","type":"string[]"}]}
	]`
)
