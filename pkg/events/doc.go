/*
Package events implements an in-memory, non-blocking pub/sub broker used to
fan out consensus and registry state changes (leader elections, asset
lifecycle transitions, node suspicion/removal, certificate issuance and
revocation) to any subscriber without coupling the publisher to a
particular consumer.

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		...
	}
*/
package events
