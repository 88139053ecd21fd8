package governance

import (
	"encoding/binary"
	"fmt"
)

// votingMagic prefixes every coinbase voting-data script so extraction can
// cheaply distinguish a block carrying votes from one that doesn't.
var votingMagic = [4]byte{'F', 'E', 'D', 'V'}

// EncodeVotingScript serializes votes into the coinbase voting-data wire
// format: a 4-byte magic, then each entry as [1-byte key][4-byte
// big-endian length][payload]. This is the OP_RETURN-equivalent slot
// carried in Block.Votes.
func EncodeVotingScript(votes []VotingData) []byte {
	out := make([]byte, 0, 4+len(votes)*8)
	out = append(out, votingMagic[:]...)
	for _, v := range votes {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v.Payload)))
		out = append(out, byte(v.Key))
		out = append(out, lenBuf[:]...)
		out = append(out, v.Payload...)
	}
	return out
}

// DecodeVotingScript parses a script produced by EncodeVotingScript.
// Entries with an unrecognized VoteKey are counted in skipped and omitted
// from entries rather than causing an error: spec.md §7 requires unknown
// vote kinds to be forward-compatible, so an older node must still accept
// a block carrying a vote kind added by a newer software version.
// A truncated or malformed script is a hard decode error: unlike an
// unknown key, it means the script itself cannot be parsed at all.
func DecodeVotingScript(script []byte) (entries []VotingData, skipped int, err error) {
	if len(script) == 0 {
		return nil, 0, nil
	}
	if len(script) < 4 {
		return nil, 0, fmt.Errorf("voting script too short: %d bytes", len(script))
	}
	if script[0] != votingMagic[0] || script[1] != votingMagic[1] || script[2] != votingMagic[2] || script[3] != votingMagic[3] {
		return nil, 0, fmt.Errorf("voting script missing magic prefix")
	}
	buf := script[4:]
	for len(buf) > 0 {
		if len(buf) < 5 {
			return nil, 0, fmt.Errorf("truncated voting entry header: %d bytes left", len(buf))
		}
		key := VoteKey(buf[0])
		plen := binary.BigEndian.Uint32(buf[1:5])
		buf = buf[5:]
		if uint64(plen) > uint64(len(buf)) {
			return nil, 0, fmt.Errorf("truncated voting entry payload: want %d have %d", plen, len(buf))
		}
		payload := buf[:plen]
		buf = buf[plen:]

		if !knownVoteKey(key) {
			skipped++
			continue
		}
		entries = append(entries, VotingData{Key: key, Payload: append([]byte(nil), payload...)})
	}
	return entries, skipped, nil
}

// blockVotes is the minimal view of a block ExtractVotingData needs. It is
// satisfied by *core.Block, and keeps codec.go usable from tests with bare
// structs.
type blockVotes interface {
	VotesScript() []byte
}

// ExtractVotingData is the pure function that recovers a block's votes
// from its coinbase voting-data script. Extraction depends only on the
// block's own bytes, so every node extracts identically regardless of
// when or how the block arrived (spec.md §4.1).
func ExtractVotingData(b blockVotes) (entries []VotingData, skipped int, err error) {
	return DecodeVotingScript(b.VotesScript())
}
