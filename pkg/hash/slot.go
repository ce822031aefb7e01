// Package hash maps keys to cluster slots.
//
// The keyspace is split into SlotCount slots. A key's slot is the CRC16 (XMODEM)
// checksum of the key modulo SlotCount. When a key contains a non-empty
// "{...}" section, only the bytes between the first '{' and the next '}' are
// hashed, so related keys can be forced into the same slot:
//
//	hash.Slot("{user:42}.profile") == hash.Slot("{user:42}.sessions") // true
//
// Every node in the cluster and every client computes the same slot for the same
// key, which is what lets a client route a command without asking the cluster.
package hash

// SlotCount is the number of slots the keyspace is partitioned into.
const SlotCount = 16384

// MaxSlot is the highest valid slot number.
const MaxSlot = SlotCount - 1

const crc16Poly = 0x1021

var crc16Table = makeCRC16Table()

func makeCRC16Table() [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC16 computes the CRC16/XMODEM checksum of data.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// Slot returns the slot the given key belongs to.
//
// Example:
//
//	slot := hash.Slot("user:123")
//	fmt.Printf("user:123 lives in slot %d\n", slot)
//
// Parameters:
//   - key: The key to locate
//
// Returns:
//   - Slot number in the range [0, SlotCount)
func Slot(key string) int {
	return int(CRC16([]byte(HashTag(key))) % SlotCount)
}

// HashTag returns the part of key that is hashed. That is the content of the
// first non-empty "{...}" section, or the whole key if there is none.
func HashTag(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] != '{' {
			continue
		}
		for j := i + 1; j < len(key); j++ {
			if key[j] == '}' {
				if j == i+1 {
					return key
				}
				return key[i+1 : j]
			}
		}
		return key
	}
	return key
}

// SameSlot reports whether all keys hash to one slot. An empty list is
// trivially in the same slot.
func SameSlot(keys ...string) bool {
	if len(keys) < 2 {
		return true
	}
	first := Slot(keys[0])
	for _, key := range keys[1:] {
		if Slot(key) != first {
			return false
		}
	}
	return true
}
