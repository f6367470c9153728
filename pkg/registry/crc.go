package registry

import (
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// metaCRC computes a stable checksum over the ordered descriptor table so
// the reporter can tell, cheaply, whether the set of registered
// descriptors has changed since the last meta document was sent (spec.md
// §4.F "Meta-before-data on CRC change"). The table's current insertion
// order is part of the input deliberately: a reorder caused by
// swap-with-last removal is itself a meaningful change, since it changes
// which index a legacy by-key lookup would return first.
func metaCRC(descs []Descriptor) uint32 {
	crc := crc32.Checksum(nil, castagnoli)
	var buf [4]byte
	for _, d := range descs {
		crc = crc32.Update(crc, castagnoli, []byte(d.Tag))
		crc = crc32.Update(crc, castagnoli, []byte{0})
		crc = crc32.Update(crc, castagnoli, []byte(d.Key))
		crc = crc32.Update(crc, castagnoli, []byte{0})
		crc = crc32.Update(crc, castagnoli, []byte(d.Label))
		crc = crc32.Update(crc, castagnoli, []byte{0})
		crc = crc32.Update(crc, castagnoli, []byte(d.Path))
		crc = crc32.Update(crc, castagnoli, []byte{0})
		binary.LittleEndian.PutUint32(buf[:], uint32(d.Type))
		crc = crc32.Update(crc, castagnoli, buf[:])
	}
	return crc
}
