// Package reconcile publishes scheduled posts whose publish time passed while
// they were still waiting, and notifies administrators about each one.
//
// A detection cycle runs inline on whatever calls Cycle.Trigger (in the host,
// every incoming request):
//
//	Gate.Acquire -> Provider.PostLimit -> Finder.Find -> Loop.Run -> Notifier.Notify
//
// The gate keeps cycles at least one interval apart; the finder bounds the
// work per cycle; the loop never aborts on a per-item failure. Posts that
// fail to publish stay scheduled and are picked up again by a later cycle.
package reconcile
