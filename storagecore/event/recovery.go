package event

import (
	"context"

	"github.com/openarchive/storaged/storagecore/datastore"
	"github.com/openarchive/storaged/storagecore/packages"
)

// approveRecovery runs the recovery procedure and closes the event. Any
// failure leaves the event SUBMITTED so it can be retried once the operator
// has sorted out the replacement content; a post-install fixity failure has
// already parked the package in FAIL by the time it surfaces here.
func approveRecovery(ev *Event, d *Decision) error {
	if err := packages.RecoverPackage(ev.PackageUUID, ev.PipelineUUID); err != nil {
		return err
	}
	return datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return closeEvent(ctx, ev, StatusApproved, d)
	})
}
