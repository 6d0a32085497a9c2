package credits

import "github.com/xraph/credits/id"

// ID is the identifier type for entities this module creates.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
