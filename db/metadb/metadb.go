// Package metadb selects a db.Database backend by name.
package metadb

import (
	"fmt"

	"github.com/relayforge/relay-node/db"
	"github.com/relayforge/relay-node/db/inmemory"
	"github.com/relayforge/relay-node/db/mongodb"
	"github.com/relayforge/relay-node/db/pebbledb"
)

const (
	TypePebble   = "pebble"
	TypeMongo    = "mongodb"
	TypeInMemory = "inmemory"
)

// New opens a database of the given type. For pebble, target is the on-disk
// path; for mongodb, the connection URL; inmemory ignores it.
func New(typ, target string) (db.Database, error) {
	switch typ {
	case TypePebble:
		return pebbledb.New(db.Options{Path: target})
	case TypeMongo:
		return mongodb.New(db.Options{URL: target})
	case TypeInMemory:
		return inmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database type %q", typ)
	}
}
