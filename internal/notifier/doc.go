// Package notifier tells the operator how jobs ended.
//
// It listens on the event bus for finished tasks and fired schedules,
// formats one short message per event and hands it to a Sender through a
// bounded queue. Delivery is rate limited and retried a few times; a
// message that still fails is logged and dropped. Notifications never
// affect job outcomes.
package notifier
