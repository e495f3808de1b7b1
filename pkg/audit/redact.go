package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"rpcgate/pkg/models"
)

// redactRecord replaces the caller address and raw params with salted
// hashes, keeping the record useful for correlating repeat offenders
// without retaining the address or argument payload itself.
func redactRecord(rec Record, salt []byte) Record {
	rec.CallerAddress = hashString(rec.CallerAddress, salt)
	rec.ParamsRaw = redactParams(rec.ParamsRaw, salt)
	return rec
}

func redactParams(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	payload := map[string]interface{}{"params_hash": hashJSONRaw(raw, salt)}
	b, _ := json.Marshal(payload)
	return b
}

func hashJSONRaw(raw json.RawMessage, salt []byte) string {
	if len(raw) == 0 {
		return ""
	}
	canon, err := models.CanonicalizeJSONAllowFloat(raw)
	if err != nil {
		return hashBytes(raw, salt)
	}
	return hashBytes(canon, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
