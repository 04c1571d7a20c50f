package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/rpcgate/internal/logger"
)

// Key schema:
//
//	reg:<ALIAS>:<host>:<port>  ->  JSON Registration
//
// Each key carries a badger TTL, so entries a dead server never refreshes
// disappear on their own.
const badgerKeyPrefix = "reg:"

func badgerAliasPrefix(alias string) []byte {
	return []byte(badgerKeyPrefix + strings.ToUpper(alias) + ":")
}

func badgerKey(reg Registration) []byte {
	return []byte(badgerKeyPrefix + reg.Alias + ":" + reg.Host + ":" + strconv.Itoa(reg.Port))
}

// BadgerConfig configures a BadgerRegistrar.
type BadgerConfig struct {
	// DBPath is the database directory. Several servers on one machine may
	// share it only through a single process; use InMemory for tests.
	DBPath string

	// InMemory keeps the database in memory. DBPath is ignored.
	InMemory bool

	// Host is the advertised host. Default: the machine hostname.
	Host string

	// Interval between registrations. Entries live for twice as long.
	// Default: DefaultReregisterInterval.
	Interval time.Duration
}

// BadgerRegistrar keeps registrations in an embedded BadgerDB. It suits a
// single host running several servers plus local discovery through Lookup.
//
// Thread safety:
// All methods are safe for concurrent use.
type BadgerRegistrar struct {
	db         *badger.DB
	host       string
	interval   time.Duration
	ttl        time.Duration
	instanceID string
	now        func() time.Time
}

// NewBadgerRegistrar opens (or creates) the database.
func NewBadgerRegistrar(cfg BadgerConfig) (*BadgerRegistrar, error) {
	if !cfg.InMemory && cfg.DBPath == "" {
		return nil, errors.New("badger registry: db_path is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReregisterInterval
	}

	host, err := AdvertiseHost(cfg.Host)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING).WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	return &BadgerRegistrar{
		db:         db,
		host:       host,
		interval:   cfg.Interval,
		ttl:        2 * cfg.Interval,
		instanceID: NewInstanceID(),
		now:        time.Now,
	}, nil
}

// Register implements server.Registrar.
func (r *BadgerRegistrar) Register(ctx context.Context, aliases []string, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := r.now()
	err := r.db.Update(func(txn *badger.Txn) error {
		for _, alias := range NormalizeAliases(aliases) {
			reg := Registration{
				InstanceID:   r.instanceID,
				Alias:        alias,
				Host:         r.host,
				Port:         port,
				RegisteredAt: now,
				ExpiresAt:    now.Add(r.ttl),
			}

			key := badgerKey(reg)
			if prev, err := readRegistration(txn, key); err == nil && prev.InstanceID == r.instanceID {
				reg.RegisteredAt = prev.RegisteredAt
			} else if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			value, err := json.Marshal(reg)
			if err != nil {
				return err
			}
			if err := txn.SetEntry(badger.NewEntry(key, value).WithTTL(r.ttl)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger registry: register failed: %w", err)
	}

	logger.Debug("badger registry: registered %v at %s:%d", aliases, r.host, port)
	return nil
}

// Unregister implements server.Registrar. Only entries written by this
// registrar are removed.
func (r *BadgerRegistrar) Unregister(ctx context.Context, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)

		it := txn.NewIterator(opts)
		var doomed [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			var reg Registration
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &reg) }); err != nil {
				continue
			}
			if reg.InstanceID == r.instanceID && reg.Port == port {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		it.Close()

		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger registry: unregister failed: %w", err)
	}
	return nil
}

// ReregisterInterval implements server.Registrar.
func (r *BadgerRegistrar) ReregisterInterval() time.Duration {
	return r.interval
}

// Lookup returns the live registrations for alias, oldest first.
func (r *BadgerRegistrar) Lookup(ctx context.Context, alias string) ([]Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var regs []Registration
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerAliasPrefix(alias)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var reg Registration
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &reg) }); err != nil {
				logger.Warn("badger registry: skipping corrupt entry %q: %v", it.Item().Key(), err)
				continue
			}
			regs = append(regs, reg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger registry: lookup failed: %w", err)
	}

	sortRegistrations(regs)
	return regs, nil
}

// Close closes the database.
func (r *BadgerRegistrar) Close() error {
	return r.db.Close()
}

func readRegistration(txn *badger.Txn, key []byte) (Registration, error) {
	var reg Registration
	item, err := txn.Get(key)
	if err != nil {
		return reg, err
	}
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &reg) })
	return reg, err
}
