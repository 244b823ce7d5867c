package accsync

import (
	"context"
	"fmt"
)

// DependencyResolver guarantees that a related entity is synced before the
// document that references it. Documents call EnsureSynced for each reference
// (invoice -> customer, bill -> supplier, lines -> items) while building their
// remote payload.
//
// The entity dependency graph is acyclic (documents depend on masters, masters
// depend on nothing), so resolution never recurses back into the caller's
// type. Adding a dependency from a master type to a document type would break
// that assumption.
type DependencyResolver struct {
	factory *Factory
}

func NewDependencyResolver(factory *Factory) *DependencyResolver {
	return &DependencyResolver{factory: factory}
}

// EnsureSynced returns the remote id for a local entity, pushing it first if
// no mapping exists yet. A dependency that cannot be synced is a hard error
// for the caller; a document must never reach the provider with a dangling
// reference.
func (r *DependencyResolver) EnsureSynced(ctx context.Context, entityType, entityId string) (string, error) {
	syncer, err := r.factory.Syncer(entityType)
	if err != nil {
		return "", err
	}

	externalId, err := syncer.GetRemoteId(ctx, entityId)
	if err != nil {
		return "", err
	}
	if externalId != "" {
		return externalId, nil
	}

	// Dependencies sync under their own configured policy, defaulting to
	// enabled two-way when the type has no explicit entry.
	result := syncer.PushToAccounting(ctx, entityId)
	switch result.Status {
	case StatusSuccess:
		return result.ExternalId, nil
	case StatusSkipped:
		return "", fmt.Errorf("dependency %s %s was skipped: %s", entityType, entityId, result.Reason)
	default:
		return "", fmt.Errorf("failed to sync dependency %s %s: %s", entityType, entityId, result.Error)
	}
}
