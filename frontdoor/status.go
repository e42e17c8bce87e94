package frontdoor

import (
	"net/http"

	"github.com/herald-project/herald/herrors"
	"github.com/herald-project/herald/log/stat"
)

// handleBucketStatus serves per-bucket mirror-engine counters (queue
// depth, dead-letter count, success/failure totals) for operator
// introspection. Gated to trusted CIDRs since it exposes operational detail about every
// configured bucket, not just ones the caller is authorized against.
func (h *Handler) handleBucketStatus(w http.ResponseWriter, r *http.Request) {
	if !h.isTrustedRequest(r) {
		ce := herrors.AccessDenied("/herald/bucket-status", "")
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(ce.HTTPStatus)
		w.Write([]byte(ce.XML()))
		return
	}

	statuses := stat.Snapshot(h.engine.QueueDepths())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(stat.JSON(statuses)))
}
