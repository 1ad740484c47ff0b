package jobmanager

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// IdempotencyKey 計算提交內容的雜湊，相同 (project, author, method, input) 得到相同的 key
//
// 每個欄位前綴 4 位元組長度，避免 ("ab","c") 與 ("a","bc") 碰撞。
func IdempotencyKey(projectID, authorID string, methodID uint32, input []byte) string {
	h := sha256.New()
	var n [4]byte

	writeField := func(b []byte) {
		binary.BigEndian.PutUint32(n[:], uint32(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	writeField([]byte(projectID))
	writeField([]byte(authorID))
	binary.BigEndian.PutUint32(n[:], methodID)
	h.Write(n[:])
	writeField(input)

	return hex.EncodeToString(h.Sum(nil))
}
