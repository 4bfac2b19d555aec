package catalog

import (
	"errors"
	"sync"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/metalwire/metalwire/api"
	"github.com/metalwire/metalwire/watch"
)

const (
	tableFabric    = "fabric"
	tableVLAN      = "vlan"
	tableSubnet    = "subnet"
	tableIPRange   = "iprange"
	tableIPAddress = "ipaddress"
	tableRack      = "rack"

	indexID     = "id"
	indexFabric = "fabric"
	indexVLAN   = "vlan"
	indexSubnet = "subnet"
	indexIP     = "ip"
)

var (
	// ErrExist is returned by create operations if the provided ID is already
	// taken.
	ErrExist = errors.New("object already exists")
	// ErrNotExist is returned by altering operations (update, delete) if the
	// object does not exist.
	ErrNotExist = errors.New("object does not exist")
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableFabric: {
			Name: tableFabric,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
		tableVLAN: {
			Name: tableVLAN,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				indexFabric: {
					Name:    indexFabric,
					Indexer: &memdb.StringFieldIndex{Field: "FabricID"},
				},
			},
		},
		tableSubnet: {
			Name: tableSubnet,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				indexVLAN: {
					Name:    indexVLAN,
					Indexer: &memdb.StringFieldIndex{Field: "VLANID"},
				},
			},
		},
		tableIPRange: {
			Name: tableIPRange,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				indexSubnet: {
					Name:    indexSubnet,
					Indexer: &memdb.StringFieldIndex{Field: "SubnetID"},
				},
			},
		},
		tableIPAddress: {
			Name: tableIPAddress,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				indexSubnet: {
					Name:    indexSubnet,
					Indexer: &memdb.StringFieldIndex{Field: "SubnetID"},
				},
				// Not unique: discovered entries may mirror an address that
				// also has an active assignment. Single-assignment is
				// enforced at validation time for non-discovered entries.
				indexIP: {
					Name:    indexIP,
					Indexer: &memdb.StringFieldIndex{Field: "IP"},
				},
			},
		},
		tableRack: {
			Name: tableRack,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
	},
}

// Catalog is the authoritative, concurrency-safe, in-memory topology store
// owned by the region controller. Reads run against immutable memdb
// snapshots; writes are serialized by an update lock and published to the
// watch queue in commit order.
type Catalog struct {
	// updateLock must be held during an update transaction.
	updateLock sync.Mutex

	memDB *memdb.MemDB
	queue *watch.Queue

	// version is the TopologyVersion. Only topology mutations advance it;
	// lease churn does not. versionLock is held across the memdb commit and
	// the bump, so readers holding it see the version paired with the data
	// it stamped.
	versionLock sync.RWMutex
	version     uint64
}

// New returns an empty topology catalog.
func New() *Catalog {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		// This shouldn't fail
		panic(err)
	}

	return &Catalog{
		memDB: memDB,
		queue: watch.NewQueue(),
	}
}

// Version returns the current TopologyVersion.
func (c *Catalog) Version() api.Version {
	c.versionLock.RLock()
	defer c.versionLock.RUnlock()
	return api.Version{Index: c.version}
}

// WatchQueue returns the publish/subscribe queue. Subscribers receive all
// object events of each committed transaction followed by an EventCommit
// carrying the TopologyVersion.
func (c *Catalog) WatchQueue() *watch.Queue {
	return c.queue
}

// Close closes the watch queue.
func (c *Catalog) Close() error {
	return c.queue.Close()
}

// ReadTx is a read transaction against the catalog.
type ReadTx struct {
	memDBTx *memdb.Txn
}

// Tx is a read/write transaction against the catalog. Mutations are
// validated as they are applied and become visible to other transactions
// only at commit.
type Tx struct {
	ReadTx
	// nextVersion is assigned to every topology object changed in this
	// transaction.
	nextVersion uint64
	changelist  []Event
}

// View executes a read transaction.
func (c *Catalog) View(cb func(ReadTx)) {
	memDBTx := c.memDB.Txn(false)
	cb(ReadTx{memDBTx: memDBTx})
	memDBTx.Commit()
}

// Update executes a read/write transaction. If the callback returns an error
// the transaction is aborted and nothing is published. On commit, the
// TopologyVersion advances if (and only if) the changelist contains a
// topology mutation, and all events are published followed by EventCommit.
func (c *Catalog) Update(cb func(*Tx) error) error {
	c.updateLock.Lock()
	defer c.updateLock.Unlock()

	memDBTx := c.memDB.Txn(true)
	tx := &Tx{
		ReadTx:      ReadTx{memDBTx: memDBTx},
		nextVersion: c.version + 1,
	}

	if err := cb(tx); err != nil {
		memDBTx.Abort()
		return err
	}

	bump := false
	for _, e := range tx.changelist {
		if topologyEvent(e) {
			bump = true
			break
		}
	}

	c.versionLock.Lock()
	memDBTx.Commit()
	if bump {
		c.version = tx.nextVersion
	}
	c.versionLock.Unlock()

	if len(tx.changelist) != 0 {
		for _, e := range tx.changelist {
			c.queue.Publish(e)
		}
		c.queue.Publish(EventCommit{Version: api.Version{Index: c.version}})
	}
	return nil
}

// lookup is an internal wrapper around memdb.
func lookup(memDBTx *memdb.Txn, table, index, key string) interface{} {
	j, err := memDBTx.First(table, index, key)
	if err != nil {
		return nil
	}
	return j
}

func (tx *Tx) create(table string, id string, o interface{}, ev Event) error {
	if lookup(tx.memDBTx, table, indexID, id) != nil {
		return ErrExist
	}
	if err := tx.memDBTx.Insert(table, o); err != nil {
		return err
	}
	tx.changelist = append(tx.changelist, ev)
	return nil
}

func (tx *Tx) update(table string, id string, o interface{}, ev Event) error {
	if lookup(tx.memDBTx, table, indexID, id) == nil {
		return ErrNotExist
	}
	if err := tx.memDBTx.Insert(table, o); err != nil {
		return err
	}
	tx.changelist = append(tx.changelist, ev)
	return nil
}

func (tx *Tx) delete(table string, id string, mkEvent func(interface{}) Event) error {
	o := lookup(tx.memDBTx, table, indexID, id)
	if o == nil {
		return ErrNotExist
	}
	if err := tx.memDBTx.Delete(table, o); err != nil {
		return err
	}
	tx.changelist = append(tx.changelist, mkEvent(o))
	return nil
}
