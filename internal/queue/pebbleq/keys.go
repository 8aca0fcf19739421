package pebbleq

import (
	"encoding/binary"

	"github.com/CalBearKen/ProjectPidgeon/pkg/id"
)

// Key layout, all under pq/{queue}/:
//
//	meta                                  lastSeq (8B)
//	msg/{id16}                            CRC-framed envelope
//	ref/{id16}                            unsettled group count (4B)
//	ready/{group}/{^prio 4B}{seq 8B}{id16} retry count (4B)
//	delay/{group}/{readyAt 8B}{id16}      prio (4B) | seq (8B) | retry (4B)
//	lease/{group}/{id16}                  exp (8B) | seq (8B) | retry (4B) | prio (4B)
//	leaseidx/{group}/{exp 8B}{id16}       empty
//	dlr/{id16}                            JSON dead-letter record
//
// Priority bytes are inverted so ascending key order yields highest priority
// first; the sequence keeps equal priorities FIFO.

func basePrefix(queue string) string { return "pq/" + queue + "/" }

func metaKey(queue string) []byte { return []byte(basePrefix(queue) + "meta") }

func msgKey(queue string, mid id.MessageID) []byte {
	prefix := basePrefix(queue) + "msg/"
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], mid[:])
	return key
}

func refKey(queue string, mid id.MessageID) []byte {
	prefix := basePrefix(queue) + "ref/"
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], mid[:])
	return key
}

func refPrefix(queue string) []byte { return []byte(basePrefix(queue) + "ref/") }

func readyPrefix(queue, group string) []byte {
	return []byte(basePrefix(queue) + "ready/" + group + "/")
}

func readyKey(queue, group string, priority int, seq uint64, mid id.MessageID) []byte {
	prefix := readyPrefix(queue, group)
	key := make([]byte, len(prefix)+4+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], ^uint32(priority))
	binary.BigEndian.PutUint64(key[len(prefix)+4:], seq)
	copy(key[len(prefix)+12:], mid[:])
	return key
}

// parseReadyKey recovers priority, sequence and id from a ready index key.
func parseReadyKey(key, prefix []byte) (priority int, seq uint64, mid id.MessageID, ok bool) {
	if len(key) != len(prefix)+4+8+16 {
		return 0, 0, mid, false
	}
	priority = int(^binary.BigEndian.Uint32(key[len(prefix):]))
	seq = binary.BigEndian.Uint64(key[len(prefix)+4:])
	copy(mid[:], key[len(prefix)+12:])
	return priority, seq, mid, true
}

func delayPrefix(queue, group string) []byte {
	return []byte(basePrefix(queue) + "delay/" + group + "/")
}

func delayKey(queue, group string, readyAtMs int64, mid id.MessageID) []byte {
	prefix := delayPrefix(queue, group)
	key := make([]byte, len(prefix)+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(readyAtMs))
	copy(key[len(prefix)+8:], mid[:])
	return key
}

func parseDelayKey(key, prefix []byte) (readyAtMs int64, mid id.MessageID, ok bool) {
	if len(key) != len(prefix)+8+16 {
		return 0, mid, false
	}
	readyAtMs = int64(binary.BigEndian.Uint64(key[len(prefix):]))
	copy(mid[:], key[len(prefix)+8:])
	return readyAtMs, mid, true
}

func encodeDelayVal(priority int, seq uint64, retry int) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], uint32(priority))
	binary.BigEndian.PutUint64(buf[4:12], seq)
	binary.BigEndian.PutUint32(buf[12:16], uint32(retry))
	return buf
}

func decodeDelayVal(val []byte) (priority int, seq uint64, retry int, ok bool) {
	if len(val) != 16 {
		return 0, 0, 0, false
	}
	return int(binary.BigEndian.Uint32(val[0:4])),
		binary.BigEndian.Uint64(val[4:12]),
		int(binary.BigEndian.Uint32(val[12:16])), true
}

func leasePrefix(queue, group string) []byte {
	return []byte(basePrefix(queue) + "lease/" + group + "/")
}

func leaseKey(queue, group string, mid id.MessageID) []byte {
	prefix := basePrefix(queue) + "lease/" + group + "/"
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], mid[:])
	return key
}

func encodeLeaseVal(expMs int64, seq uint64, retry, priority int) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], uint64(expMs))
	binary.BigEndian.PutUint64(buf[8:16], seq)
	binary.BigEndian.PutUint32(buf[16:20], uint32(retry))
	binary.BigEndian.PutUint32(buf[20:24], uint32(priority))
	return buf
}

func decodeLeaseVal(val []byte) (expMs int64, seq uint64, retry, priority int, ok bool) {
	if len(val) != 24 {
		return 0, 0, 0, 0, false
	}
	return int64(binary.BigEndian.Uint64(val[0:8])),
		binary.BigEndian.Uint64(val[8:16]),
		int(binary.BigEndian.Uint32(val[16:20])),
		int(binary.BigEndian.Uint32(val[20:24])), true
}

func leaseIdxPrefix(queue, group string) []byte {
	return []byte(basePrefix(queue) + "leaseidx/" + group + "/")
}

func leaseIdxKey(queue, group string, expMs int64, mid id.MessageID) []byte {
	prefix := leaseIdxPrefix(queue, group)
	key := make([]byte, len(prefix)+8+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expMs))
	copy(key[len(prefix)+8:], mid[:])
	return key
}

func parseLeaseIdxKey(key, prefix []byte) (expMs int64, mid id.MessageID, ok bool) {
	if len(key) != len(prefix)+8+16 {
		return 0, mid, false
	}
	expMs = int64(binary.BigEndian.Uint64(key[len(prefix):]))
	copy(mid[:], key[len(prefix)+8:])
	return expMs, mid, true
}

func dlrKey(queue string, mid id.MessageID) []byte {
	prefix := basePrefix(queue) + "dlr/"
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	copy(key[len(prefix):], mid[:])
	return key
}

func dlrPrefix(queue string) []byte { return []byte(basePrefix(queue) + "dlr/") }
