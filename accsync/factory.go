package accsync

import (
	"fmt"

	"github.com/crbnos/accounting_sync/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// opsConstructors maps entity type tags to their concrete ops builders. Each
// syncer_*.go file registers its types here via init().
var opsConstructors = map[string]func(*Factory) EntityOps{}

func registerOps(entityType string, fn func(*Factory) EntityOps) {
	opsConstructors[entityType] = fn
}

// Factory builds configured entity syncers for one company + one provider
// connection. It carries the shared collaborators (db, mapping store, provider
// adapter, resolver) so individual syncers stay cheap to construct.
type Factory struct {
	DB          *gorm.DB
	Store       MappingStore
	Provider    Provider
	Logger      *logrus.Logger
	Integration string
	Resolver    *DependencyResolver
}

func NewFactory(db *gorm.DB, store MappingStore, provider Provider, logger *logrus.Logger) *Factory {
	f := &Factory{
		DB:          db,
		Store:       store,
		Provider:    provider,
		Logger:      logger,
		Integration: provider.Name(),
	}
	// The resolver needs the factory to build syncers for related entities and
	// the factory hands the resolver to every document syncer. Explicit field
	// assignment after construction keeps both sides honest about the cycle.
	f.Resolver = NewDependencyResolver(f)
	return f
}

// NewFactoryForConnection wires a factory from a stored integration
// connection, resolving the provider adapter from the registry.
func NewFactoryForConnection(db *gorm.DB, logger *logrus.Logger, conn *models.IntegrationConnection) (*Factory, error) {
	provider, err := GetProvider(conn)
	if err != nil {
		return nil, err
	}
	return NewFactory(db, NewMappingStore(db), provider, logger), nil
}

// Syncer returns the configured syncer for one entity type. Unknown types are
// an error, not a panic: callers receive task payloads from the wire.
func (f *Factory) Syncer(entityType string) (*EntitySyncer, error) {
	build, ok := opsConstructors[entityType]
	if !ok {
		return nil, fmt.Errorf("no syncer registered for entity type %q", entityType)
	}
	return &EntitySyncer{
		Ops:         build(f),
		Store:       f.Store,
		Config:      f.Provider.GetSyncConfig(entityType),
		Integration: f.Integration,
		DB:          f.DB,
		Logger:      f.Logger,
	}, nil
}

// SupportedEntityTypes lists every type a syncer exists for, in no particular
// order.
func SupportedEntityTypes() []string {
	types := make([]string, 0, len(opsConstructors))
	for t := range opsConstructors {
		types = append(types, t)
	}
	return types
}
