package complaints

import (
	"fmt"

	"github.com/ensembleworks/troupegate/internal/troupeapi"
)

// allowedTransitions is the single place the complaint lifecycle lives.
// Closed is terminal; reappealing puts a decided complaint back in
// front of the admins.
var allowedTransitions = map[string]map[string]bool{
	troupeapi.ComplaintPending: {
		troupeapi.ComplaintResolved: true,
		troupeapi.ComplaintRejected: true,
	},
	troupeapi.ComplaintResolved: {
		troupeapi.ComplaintReappealed: true,
		troupeapi.ComplaintClosed:     true,
	},
	troupeapi.ComplaintRejected: {
		troupeapi.ComplaintReappealed: true,
		troupeapi.ComplaintClosed:     true,
	},
	troupeapi.ComplaintReappealed: {
		troupeapi.ComplaintResolved: true,
		troupeapi.ComplaintRejected: true,
	},
	troupeapi.ComplaintClosed: {},
}

// CheckTransition validates a status change before any request leaves
// the gateway.
func CheckTransition(from, to string) error {
	targets, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("unknown complaint status: %s", from)
	}
	if !targets[to] {
		return fmt.Errorf("complaint cannot go from %s to %s", from, to)
	}
	return nil
}
