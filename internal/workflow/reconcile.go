package workflow

import "vtonflow/internal/models"

// QueueState is the local view of the extraction queue.
type QueueState struct {
	// Seq is the sequence number of the newest fetch or local mutation
	// reflected in Items.
	Seq   uint64
	Items []models.QueueItem
	// Grace holds items optimistically moved to processing since the last
	// reconciliation.
	Grace map[models.ItemKey]struct{}
}

// Snapshot is one server answer to a queue listing. Seq is taken when the
// request starts, so a slow answer is older than any mutation made meanwhile.
type Snapshot struct {
	Seq   uint64
	Items []models.QueueItem
}

// Reconcile merges a server snapshot into local state. The server wins:
// local items are replaced by the snapshot wholesale. The one exception is
// an item still under its grace mark, which stays processing when the
// snapshot reports it pending. Every grace mark is consumed, so the next
// snapshot wins unconditionally. Snapshots not newer than local state are
// ignored, which makes applying the same snapshot twice a no-op.
func Reconcile(local QueueState, remote Snapshot) QueueState {
	if remote.Seq <= local.Seq {
		return local
	}
	items := make([]models.QueueItem, len(remote.Items))
	copy(items, remote.Items)
	for i := range items {
		if _, ok := local.Grace[items[i].Key()]; ok && items[i].Status == models.StatusPending {
			items[i].Status = models.StatusProcessing
		}
	}
	return QueueState{Seq: remote.Seq, Items: items}
}

// ActiveQueue returns items still moving through extraction.
func ActiveQueue(items []models.QueueItem) []models.QueueItem {
	out := make([]models.QueueItem, 0, len(items))
	for _, it := range items {
		if it.Status != models.StatusApproved {
			out = append(out, it)
		}
	}
	return out
}

// Approved returns items waiting for catalogue upload or clearing.
func Approved(items []models.QueueItem) []models.QueueItem {
	out := make([]models.QueueItem, 0, len(items))
	for _, it := range items {
		if it.Status == models.StatusApproved {
			out = append(out, it)
		}
	}
	return out
}
