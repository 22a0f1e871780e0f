/*
Package events publishes reconcile progress to in-process subscribers.

The executor and reconciler publish one event per run boundary and per
change; the watch command subscribes and logs them. Events carry the run id
so a subscriber can group them:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.RunID, ev.Type, ev.Message)
	}

Publish never blocks. When the broker buffer or a subscriber buffer is full
the event is dropped for that subscriber, so a slow consumer cannot stall a
reconcile. A nil *Broker accepts and discards events.
*/
package events
