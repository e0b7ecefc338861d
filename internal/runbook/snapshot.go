package runbook

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/veriops/veriops/internal/model"
)

// InputHash produces the content hash that memoizes a validation: the same
// spec text evaluated against the same observed run state always hashes to
// the same 64-char hex digest, so a repeated request returns the stored
// verdict instead of recomputing it.
//
// Each field is encoded as a 4-byte big-endian length prefix followed by the
// field bytes, which avoids delimiter collisions when step names or spec
// text contain separator characters. Per-step usage is part of the snapshot:
// a late step.end that changes a step's token count must produce a new hash,
// otherwise a stale budget verdict would be replayed.
func InputHash(specDoc string, run *model.Run, steps []model.Step) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	writeField(Canonical(specDoc))

	writeField(strconv.Itoa(len(steps)))
	for i := range steps {
		st := &steps[i]
		writeField(strconv.Itoa(st.Index))
		writeField(st.Name)
		writeField(st.Tool)
		status := ""
		if st.Status != nil {
			status = string(*st.Status)
		}
		writeField(status)
		writeField(strconv.FormatInt(st.Tokens, 10))
		writeField(strconv.FormatFloat(st.CostUSD, 'f', 4, 64))
	}

	writeField(strconv.FormatInt(run.TotalTokens, 10))
	writeField(strconv.FormatFloat(run.TotalCostUSD, 'f', 4, 64))

	return hex.EncodeToString(h.Sum(nil))
}
