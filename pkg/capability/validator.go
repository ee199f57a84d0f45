// Package capability enforces that a host only serves models it is
// registered for, at startup, at claim time, and at inference time.
package capability

import (
	"context"
	"sync"

	"github.com/meshcompute/host-node/pkg/contracts"
	"github.com/meshcompute/host-node/pkg/errs"
)

// Validator tracks the host's registered model set and enforces it
// at startup, claim, and inference checkpoints. RequireEnforcement
// controls warn-only vs refuse behavior per the REQUIRE_MODEL_VALIDATION
// feature flag.
type Validator struct {
	mu                  sync.RWMutex
	registeredModels    map[string]struct{}
	requireEnforcement  bool
	modelRegistry       *contracts.ModelRegistryFacade
	onWarn              func(msg string)
}

// NewValidator builds a Validator with an empty registered-model set;
// ValidateStartup and SetRegisteredModels populate it.
func NewValidator(modelRegistry *contracts.ModelRegistryFacade, requireEnforcement bool, onWarn func(string)) *Validator {
	if onWarn == nil {
		onWarn = func(string) {}
	}
	return &Validator{
		registeredModels:   make(map[string]struct{}),
		requireEnforcement: requireEnforcement,
		modelRegistry:      modelRegistry,
		onWarn:             onWarn,
	}
}

// SetRegisteredModels replaces the known set of models this host may
// serve, typically after a successful on-chain registration.
func (v *Validator) SetRegisteredModels(models []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.registeredModels = make(map[string]struct{}, len(models))
	for _, m := range models {
		v.registeredModels[m] = struct{}{}
	}
}

// ValidateStartup checks (a): the local model identifier must equal
// one of the capabilities registered on chain.
func (v *Validator) ValidateStartup(ctx context.Context, localModelID string) error {
	approved, err := v.modelRegistry.IsApprovedModel(ctx, localModelID)
	if err != nil {
		return errs.Wrap(errs.KindTransient, errs.CodeInternal, "model registry lookup failed", err)
	}
	if !approved {
		return v.refuse(errs.ErrUnsupportedModel)
	}
	v.mu.Lock()
	v.registeredModels[localModelID] = struct{}{}
	v.mu.Unlock()
	return nil
}

// ValidateClaim checks (b): job.model_id ∈ host.registered_models.
// Refusal surfaces UnsupportedModel.
func (v *Validator) ValidateClaim(jobModelID string) error {
	v.mu.RLock()
	_, ok := v.registeredModels[jobModelID]
	v.mu.RUnlock()
	if !ok {
		return v.refuse(errs.ErrUnsupportedModel)
	}
	return nil
}

// ValidateInference checks (c): session.job.model_id == loaded_model_id.
// Refusal surfaces ModelMismatch.
func (v *Validator) ValidateInference(sessionModelID, loadedModelID string) error {
	if sessionModelID != loadedModelID {
		return v.refuse(errs.ErrModelMismatch)
	}
	return nil
}

func (v *Validator) refuse(sentinel *errs.Error) error {
	if !v.requireEnforcement {
		v.onWarn(sentinel.Message)
		return nil
	}
	return sentinel
}
