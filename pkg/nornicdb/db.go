// Package nornicdb provides the main API for embedded nornicrules usage.
//
// A DB bundles the storage engine, the transaction manager, the event
// dispatcher and the rule engine, wired so that every committed transaction
// keeps rule membership edges up to date.
//
// Architecture:
//   - Storage: BadgerDB (persistent) or in-memory graph storage
//   - Transactions: buffered, atomic, with pre-commit handlers
//   - Events: the dispatcher turns each commit into node/relationship/property events
//   - Rules: per-class anchors with one materialized edge per member and rule
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	cfg.Rules.File = "rules.yaml"
//
//	db, err := nornicdb.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Start(); err != nil {
//		log.Fatal(err)
//	}
//
//	err = db.Update(func(tx *storage.Transaction) error {
//		return tx.CreateNode(&storage.Node{
//			ID:         "alice",
//			Labels:     []string{"Person"},
//			Properties: map[string]any{"age": 34},
//		})
//	})
//
//	adults, err := db.Members("Person", "adult")
package nornicdb

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orneryd/nornicrules/pkg/config"
	"github.com/orneryd/nornicrules/pkg/events"
	"github.com/orneryd/nornicrules/pkg/ruledef"
	"github.com/orneryd/nornicrules/pkg/rules"
	"github.com/orneryd/nornicrules/pkg/storage"
)

// Errors
var (
	ErrClosed   = errors.New("database is closed")
	ErrReadOnly = errors.New("view transactions are read-only")
)

// DB is an embedded graph database with rule materialization.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Transactions run on the calling
//	goroutine; rules evaluate inside each commit.
type DB struct {
	config *config.Config

	storage    storage.Engine
	manager    *storage.TxManager
	dispatcher *events.Dispatcher
	rules      *rules.Engine
	metrics    *prometheus.Registry

	mu     sync.RWMutex
	closed bool
}

// Open creates the storage engine described by cfg and wires the rule engine
// into its commit path. If cfg.Rules.File is set, the definitions are loaded.
// Call Start before serving writes so that every class has its anchor.
func Open(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	engine, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	db := &DB{
		config:     cfg,
		storage:    engine,
		manager:    storage.NewTxManager(engine),
		dispatcher: events.NewDispatcher(),
		metrics:    prometheus.NewRegistry(),
	}

	var registerer prometheus.Registerer = db.metrics
	if !cfg.Metrics.Enabled {
		registerer = prometheus.NewRegistry()
	}
	db.rules = rules.NewEngine(rules.Options{
		MaxCascadeNodes: cfg.Rules.MaxCascadeNodes,
		Registerer:      registerer,
		Verbose:         cfg.Logging.Verbose,
	})

	// The root node is infrastructure, never a rule subject.
	db.dispatcher.AddFilter(storage.RootLabel)
	if err := db.dispatcher.Register(db.rules); err != nil {
		return nil, errors.Join(fmt.Errorf("registering rule engine: %w", err), engine.Close())
	}
	db.manager.RegisterTransactionEventHandler(db.dispatcher)
	db.manager.RegisterKernelEventHandler(db.dispatcher)

	if cfg.Rules.File != "" {
		if _, err := db.LoadRules(cfg.Rules.File); err != nil {
			return nil, errors.Join(err, engine.Close())
		}
	}

	return db, nil
}

func openStorage(cfg *config.Config) (storage.Engine, error) {
	switch cfg.Storage.Engine {
	case config.EngineMemory:
		log.Printf("[NornicDB] Using in-memory storage (data will not persist)")
		return storage.NewMemoryEngine(), nil
	default:
		engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:        cfg.Storage.DataDir,
			InMemory:       cfg.Storage.InMemory,
			SyncWrites:     cfg.Storage.SyncWrites,
			MemTableSize:   cfg.Storage.MemTableSize,
			BlockCacheSize: cfg.Storage.BlockCacheSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent storage: %w", err)
		}
		if cfg.Storage.InMemory {
			log.Printf("[NornicDB] Using in-memory Badger storage")
		} else {
			log.Printf("[NornicDB] Using persistent storage at %s", cfg.Storage.DataDir)
		}
		return engine, nil
	}
}

// Start announces the store to kernel handlers. The rule engine creates the
// anchor of every registered class, or finds it after a restart.
func (db *DB) Start() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return db.manager.Start()
}

// Close stops the store and closes the storage engine. Closing twice is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	db.manager.Stop()
	if err := db.storage.Close(); err != nil {
		return fmt.Errorf("closing storage: %w", err)
	}
	return nil
}

// Update runs fn in a new transaction and commits it. The transaction rolls
// back if fn or any rule fails.
func (db *DB) Update(fn func(tx *storage.Transaction) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}

	tx := db.manager.BeginTransaction()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// View runs fn against a read-only transaction. No handler sees it. Writes
// made by fn are discarded and reported as ErrReadOnly.
func (db *DB) View(fn func(tx *storage.Transaction) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}

	tx := storage.NewTransaction(db.storage)
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if tx.OperationCount() > 0 {
		return ErrReadOnly
	}
	return nil
}

// LoadRules reads a rule definition file and registers its rules. Rules apply
// to nodes as they change; existing nodes are not re-evaluated.
func (db *DB) LoadRules(path string) (*ruledef.File, error) {
	defs, err := ruledef.Load(path)
	if err != nil {
		return nil, err
	}
	if err := ruledef.Apply(db.rules, defs); err != nil {
		return nil, fmt.Errorf("applying rules from %s: %w", path, err)
	}
	log.Printf("[NornicDB] Loaded %d rules for %d classes from %s", defs.Rules(), len(defs.Classes), path)
	return defs, nil
}

// LoadResult holds the result of a data load operation.
type LoadResult struct {
	NodesLoaded int `json:"nodes_loaded"`
	EdgesLoaded int `json:"edges_loaded"`
}

// Import loads an export in one transaction, so rules materialize for every
// imported node.
func (db *DB) Import(export *storage.Neo4jExport) (*LoadResult, error) {
	err := db.Update(func(tx *storage.Transaction) error {
		if err := tx.SetMetadata(map[string]any{
			"action":        "import",
			"nodes":         len(export.Nodes),
			"relationships": len(export.Relationships),
		}); err != nil {
			return err
		}
		return storage.ImportNeo4jExport(tx, export)
	})
	if err != nil {
		return nil, fmt.Errorf("importing: %w", err)
	}
	return &LoadResult{
		NodesLoaded: len(export.Nodes),
		EdgesLoaded: len(export.Relationships),
	}, nil
}

// LoadFromExport reads a Neo4j-style JSON export (a directory with
// nodes.json and relationships.json, or a single JSON file) and imports it.
func (db *DB) LoadFromExport(path string) (*LoadResult, error) {
	export, err := storage.ReadNeo4jExport(path)
	if err != nil {
		return nil, fmt.Errorf("loading export: %w", err)
	}
	return db.Import(export)
}

// Export writes every node and edge, including anchors and rule edges, to path.
func (db *DB) Export(path string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return storage.SaveToNeo4jExport(db.storage, path)
}

// Members returns the current members of class's rule.
func (db *DB) Members(class, rule string) ([]*storage.Node, error) {
	reg, ok := db.rules.LookupRegistry(class)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", rules.ErrUnknownRule, class, rule)
	}

	var members []*storage.Node
	err := db.View(func(tx *storage.Transaction) error {
		var err error
		members, err = reg.Members(tx, rule)
		return err
	})
	return members, err
}

// Rules returns the rule engine. Registries may be extended at any time.
func (db *DB) Rules() *rules.Engine {
	return db.rules
}

// Dispatcher returns the event dispatcher, for registering extra listeners.
func (db *DB) Dispatcher() *events.Dispatcher {
	return db.dispatcher
}

// Storage returns the underlying engine. Writes made directly on it bypass rules.
func (db *DB) Storage() storage.Engine {
	return db.storage
}

// Metrics returns the Prometheus registry with the rule collectors, or nil
// when metrics are disabled.
func (db *DB) Metrics() prometheus.Gatherer {
	if !db.config.Metrics.Enabled {
		return nil
	}
	return db.metrics
}

// DBStats holds database statistics.
type DBStats struct {
	NodeCount int64    `json:"node_count"`
	EdgeCount int64    `json:"edge_count"`
	Classes   []string `json:"classes"`
	Started   bool     `json:"started"`
}

// Stats returns current database statistics.
func (db *DB) Stats() (DBStats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return DBStats{}, ErrClosed
	}

	nodes, err := db.storage.NodeCount()
	if err != nil {
		return DBStats{}, err
	}
	edges, err := db.storage.EdgeCount()
	if err != nil {
		return DBStats{}, err
	}

	stats := DBStats{NodeCount: nodes, EdgeCount: edges, Started: db.manager.IsStarted()}
	for _, reg := range db.rules.Registries() {
		stats.Classes = append(stats.Classes, reg.Name())
	}
	return stats, nil
}
