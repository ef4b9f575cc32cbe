// Package collection organizes the documents of one store into independent
// logical collections.
//
// Every collection shares the store's flat key space; the namespace codec keeps
// them apart, so a collection only ever reads, lists and observes its own keys.
//
//	store := memstore.New()
//	dispatcher := collection.NewDispatcher(store)
//	defer dispatcher.Close()
//
//	tasks, _ := collection.New[collection.Fields](store, dispatcher, "tasks")
//	sub, _ := tasks.Subscribe(func(ch collection.Change[collection.Fields]) {
//	    fmt.Println(ch.ID, ch.Rev)
//	})
//	defer sub.Cancel()
//
//	res, err := tasks.Put(ctx, collection.Fields{"title": "write docs"}, "t1")
//
// Collections are generic over their field schema. Any type that encodes to a
// JSON object works; fields whose name starts with "_" belong to the store and
// are dropped in both directions.
//
// One Dispatcher per store holds the only change feed. It is opened lazily on
// the first Subscribe and every subscriber callback runs on the dispatcher
// goroutine, in feed order. Callbacks must hand slow work elsewhere and must
// not call Dispatcher.Close. A panicking callback is logged and the feed keeps
// running. If the feed drops, the dispatcher reopens it from the last sequence
// it delivered.
package collection
