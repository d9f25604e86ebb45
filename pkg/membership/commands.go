package membership

import "github.com/meshplane/core/pkg/types"

// KindSuspect is the only committed entry kind this package submits: one
// node's report that it locally suspects another has failed.
const KindSuspect = "MembershipSuspect"

// Command is the JSON payload a MembershipSuspect entry carries.
type Command struct {
	Kind     string
	Suspect  types.NodeId
	Reporter types.NodeId
}
