package unitybridge

import "github.com/xraph/unitybridge/id"

// ID is the primary identifier type for all bridge entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
