package fetchq

import "github.com/mediaflow/fetchq/id"

// ID is the primary identifier type for all fetchq entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
