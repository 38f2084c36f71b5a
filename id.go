package worldqueue

import "github.com/emberhollow/worldqueue/id"

// ID is the primary identifier type for all worldqueue entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
