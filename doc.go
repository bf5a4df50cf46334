// Package tasklink is a message broker hosted inside your process. It moves
// prioritised requests between *client* and *server* channels, and between
// brokers of the same cluster when peering is enabled.
//
// ## How it works
//
// A `Broker` owns a handful of event loops. Every channel is bound to one of
// them and only ever runs there, so channels share no lock with each other:
// they talk through lock-free priority queues and notifications.
//
// Applications do not touch the broker internals. They open a
// `ClientChannel` to send requests, or a `ServerChannel` to serve paths.
// Each of them is paired with a *broker side* channel doing the actual work:
//
// * `BrokerClientChannel` resolves the destination of a request, tracks it
// until it is answered and times it out.
// * `BrokerServerChannel` orders requests per client stream, schedules them
// fairly, advertises transmit windows and caches responses until the client
// acknowledges them.
//
// Every request is answered. When the broker, rather than the destination,
// produces the response, it carries a *bounce* code telling why
// (`no-peer`, `timeout`, `terminated`...).
//
// ## Peering
//
// With `WithGossipOn` and `WithTlsConfig`, brokers discover each other
// through [`hashicorp/memberlist`][dep-mbl] and gossip which paths they
// serve. Requests toward a path served by a peer are forwarded over a *socket
// set*: one QUIC stream per priority, so a busy low priority never delays a
// high one. Connections are dialled lazily and torn down once idle.
//
// Use mTLS: the certificate of a peer is the only thing authenticating it.
//
// ## Memory
//
// Requests and channels are reference counted. Releasing the last reference
// does not free them right away: a garbage truck reclaims them two ticks
// later, once every loop had a chance to drop the pointers it was still
// holding.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package tasklink
