// Package recorder persists streamed broker messages to PostgreSQL.
//
// It subscribes to a configured set of channels on a streaming session and
// batches the raw payloads into the stream_messages table, flushing on batch
// size or a timer, whichever comes first.
package recorder
