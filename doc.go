// Package aspen is the client SDK for the Aspen per-user document store.
//
// An application opens a session for one user. The session owns a document
// database, typed collections over it, an outbox for messages to other users
// and an inbox for messages received from them.
//
// # Architecture
//
// The SDK is layered. Each layer only depends on the layers below it:
//
//	cmd/aspen            CLI over a session
//	session              user identity, database location, messaging facade
//	outbox, transport    reliable hand-off of messages to the delivery service
//	collection           typed, namespaced views over a shared store
//	namespace            physical key codec "<collection>/<id>"
//	docstore             revisioned document store contract
//	  memstore           in-process store
//	  kvstore            NATS JetStream key-value store
//	  couch              CouchDB over HTTP
//
// Ambient packages are shared by every layer: errors classifies failures as
// transient, invalid or fatal; metric exposes Prometheus collectors; health
// aggregates component status; config loads layered YAML configuration;
// pkg/retry, pkg/worker and pkg/tlsutil provide backoff, a bounded worker pool
// and client TLS.
//
// # Collections
//
// All collections of a user share one database. A document of collection
// "tasks" with id "42" is stored under the key "tasks/42", so a collection is
// a contiguous key range and listing it never touches other collections:
//
//	tasks, err := collection.New[Task](store, dispatcher, "tasks")
//	res, err := tasks.Add(ctx, Task{Title: "write docs"})
//	sub, err := tasks.Subscribe(func(ch collection.Change[Task]) { ... })
//	defer sub.Cancel()
//
// One Dispatcher per store follows the change feed and fans events out to
// the subscribers of each collection.
//
// # Messaging
//
// Sending a message writes it to the "_outbox" collection with status SENT.
// The outbox processor hands every SENT message to the transport once
// and records DELIVERED or REJECTED. Rejected messages stay in the outbox
// until they are retried:
//
//	sess, err := session.Open(ctx, session.Config{APIURL: url, AppID: "notes", IDToken: idToken, TokenSource: ts})
//	defer sess.Close(ctx)
//	res, err := sess.SendDocTo(ctx, map[string]any{"text": "hi"}, "bob")
//
// Received messages arrive in the "_inbox" collection.
//
// # Command line
//
//	aspen --backend couch --api-url https://api.example.com --app-id notes add tasks '{"title":"a"}'
//	aspen outbox run --until-idle
//	aspen config show
package aspen
