// Package queue defines the backend-agnostic queue contract: publish,
// consume, ack, nack and depth over named queues with competing consumer
// groups, plus the dead-letter record model, the retry backoff policy and the
// control-plane command encoding. Backends (memory, pebble, redis) implement
// the Queue interface with identical delivery semantics; they differ only in
// durability and cross-process visibility.
package queue
