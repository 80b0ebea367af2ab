package crypto

import "encoding/binary"

// BuildAAD assembles the additional authenticated data bound to a packet's
// AEAD ciphertext: the header fields that must not be tampered with even
// though they travel in the clear. The variable-length fields, msgType and
// channelID, are length-prefixed so a shorter field can't be confused with a
// longer one that happens to share a prefix; seq, src and dst are fixed-width.
func BuildAAD(msgType string, seq uint64, src, dst [16]byte, channelID string) []byte {
	msgBytes := []byte(msgType)
	chBytes := []byte(channelID)
	buf := make([]byte, 0, 2+len(msgBytes)+8+16+16+2+len(chBytes))
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(msgBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, msgBytes...)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	buf = append(buf, seqBytes[:]...)
	buf = append(buf, src[:]...)
	buf = append(buf, dst[:]...)
	binary.BigEndian.PutUint16(tmp[:], uint16(len(chBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, chBytes...)
	return buf
}
