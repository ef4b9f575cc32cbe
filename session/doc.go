// Package session wires one authenticated user's view of an app: the
// document store, the feed dispatcher shared by every collection, and exactly
// one outbox bound to that store.
//
// A Session is opened after authentication. The user id is the subject of
// the OpenID Connect ID token, and the default store is the CouchDB database
// at {APIURL}/{userID}/{appID}, reached through an HTTP client that sends the
// access token to the API origin only.
//
//	s, err := session.Open(ctx, session.Config{
//		APIURL:      "https://api.example.com",
//		AppID:       "notes",
//		IDToken:     idToken,
//		TokenSource: oauthConfig.TokenSource(ctx, token),
//	})
//	if err != nil {
//		return err
//	}
//	defer s.Close(ctx)
//
//	tasks := s.Collection("tasks")
//	res, err := tasks.Add(ctx, collection.Fields{"text": "buy milk"})
//
// The outbox processor starts with the session. Only one processor may run
// per user and app; open secondary sessions WithoutOutboxProcessor, or enable
// the outbox lease with WithOutboxOptions(outbox.WithLease(ttl)).
package session
