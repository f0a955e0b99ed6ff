// Package reconcile applies observed switch states to the controller store.
//
// Every observation goes through Reconciler.Apply, which is idempotent: an
// observation matching the stored state is a no-op. A changed state is
// written together with the controller sequence increment in one atomic
// store update and announced with exactly one events.ChangeEvent. Updates of
// one controller are serialised so events leave in sequence order.
//
// Controller reports for a switch that arrive shortly after an accepted
// change are held for the debounce window; the latest held value is applied
// when the window expires.
package reconcile
