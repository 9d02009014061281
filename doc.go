package tinygraph

/*
TinyGraph is the transactional storage layer of an embedded graph database. It sits on top of an ordered key/value
engine (badger, or an in-memory engine for tests) and adds what the graph layers above it need: detection of
write/delete conflicts between concurrent transactions that the engine's own per-key check cannot see, isolation of
schema writes from data writes, snapshot-scoped iteration, and the lifecycle of databases, sessions, transactions and the
shared schema cache.

The `tinygraph` module is organized into the following packages:

* `storage/engine`: the key/value engine interface and its badger and in-memory implementations.
* `storage`: storages bound to one engine transaction, iterator pooling, key tracking and the ConsistencyManager.
* `database`: databases and their registry, sessions, transactions, the schema lock and the schema cache.
* `config`, `log`, `util/worker`: configuration, logging and background worker support.
* `cmd/tinygraph-stress`: a tool that drives concurrent write transactions against a database.
*/
