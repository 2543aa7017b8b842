package accounting

import (
	"context"

	"go.uber.org/zap"

	"github.com/ioverseer/ioverseer/internal/model"
	"github.com/ioverseer/ioverseer/internal/werror"
)

// FlagResourceOveruseIO mirrors the public API's
// FLAG_RESOURCE_OVERUSE_IO bit: when set, every configuration entry in a
// SetResourceOveruseConfigurations batch must carry a non-zero I/O
// configuration (modeled here as a non-empty PackageSpecificThreshold,
// CategorySpecificThreshold, or ComponentLevelThreshold).
const FlagResourceOveruseIO uint32 = 1 << 0

// SetResourceOveruseConfigurations validates and applies a batch of
// per-component configurations, per §4.4.7. If the daemon is
// disconnected the batch is stashed as a pending request and the call
// still reports success; a second stash attempt while one is already
// pending is rejected.
func (e *Engine) SetResourceOveruseConfigurations(ctx context.Context, configs []model.OveruseConfiguration, flags uint32) error {
	if err := validateConfigBatch(configs, flags); err != nil {
		return err
	}

	// Checked before acquiring e.mu: IsConnected may block for its bounded
	// wait, and the engine never holds e.mu across a daemon-facing call.
	connected, err := e.daemon.IsConnected(ctx)
	if err != nil {
		return err
	}
	if !connected {
		e.mu.Lock()
		if e.pendingConfig != nil {
			e.mu.Unlock()
			return werror.New(werror.KindIllegalState, "accounting.SetResourceOveruseConfigurations", "a configuration push is already pending")
		}
		e.pendingConfig = configs
		e.mu.Unlock()
		return nil
	}

	if err := e.daemon.UpdateResourceOveruseConfigurations(ctx, configs); err != nil {
		if werror.Is(err, werror.KindTransport) {
			return err
		}
		e.log.Warn("accounting: daemon rejected configuration push, stashing as pending", zap.Error(err))
		e.mu.Lock()
		if e.pendingConfig != nil {
			e.mu.Unlock()
			return werror.New(werror.KindIllegalState, "accounting.SetResourceOveruseConfigurations", "a configuration push is already pending")
		}
		e.pendingConfig = configs
		e.mu.Unlock()
		return nil
	}

	e.threshold.Set(configs)
	e.mu.Lock()
	e.pendingConfig = nil
	e.mu.Unlock()
	return nil
}

// FlushPendingConfiguration retries a stashed configuration push, if any.
// Intended to be called whenever the daemon transitions to connected.
func (e *Engine) FlushPendingConfiguration(ctx context.Context) error {
	e.mu.Lock()
	pending := e.pendingConfig
	e.mu.Unlock()
	if pending == nil {
		return nil
	}
	return e.SetResourceOveruseConfigurations(ctx, pending, FlagResourceOveruseIO)
}

// GetResourceOveruseConfigurations is a pass-through fetch from the
// daemon. Fails with IllegalState if the daemon is disconnected.
func (e *Engine) GetResourceOveruseConfigurations(ctx context.Context, flags uint32) ([]model.OveruseConfiguration, error) {
	connected, err := e.daemon.IsConnected(ctx)
	if err != nil {
		return nil, err
	}
	if !connected {
		return nil, werror.New(werror.KindIllegalState, "accounting.GetResourceOveruseConfigurations", "daemon is disconnected")
	}
	configs, err := e.daemon.GetResourceOveruseConfigurations(ctx)
	if err != nil {
		return nil, werror.Wrap(werror.KindTransport, "accounting.GetResourceOveruseConfigurations", err)
	}
	return configs, nil
}

func validateConfigBatch(configs []model.OveruseConfiguration, flags uint32) error {
	seen := make(map[model.ComponentType]struct{}, len(configs))
	for _, cfg := range configs {
		switch cfg.ComponentType {
		case model.ComponentSystem, model.ComponentVendor, model.ComponentThirdParty:
		default:
			return werror.New(werror.KindInvalidArgument, "accounting.SetResourceOveruseConfigurations", "componentType must be System, Vendor, or ThirdParty")
		}
		if _, dup := seen[cfg.ComponentType]; dup {
			return werror.New(werror.KindInvalidArgument, "accounting.SetResourceOveruseConfigurations", "duplicate componentType in configuration batch")
		}
		seen[cfg.ComponentType] = struct{}{}

		if flags&FlagResourceOveruseIO != 0 {
			hasIoConfig := !cfg.ComponentLevelThreshold.IsZero() ||
				len(cfg.PackageSpecificThreshold) > 0 ||
				len(cfg.CategorySpecificThreshold) > 0
			if !hasIoConfig {
				return werror.New(werror.KindInvalidArgument, "accounting.SetResourceOveruseConfigurations", "FLAG_RESOURCE_OVERUSE_IO requires an I/O configuration for every entry")
			}
		}
	}
	return nil
}
