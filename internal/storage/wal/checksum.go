package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 記錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// castagnoli 使用 CRC32-C 多項式（硬體加速）
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// frameHeaderSize 記錄框架標頭：[u32 長度][u32 校驗和]
const frameHeaderSize = 8

// CalculateChecksum 計算記錄內容的校驗和
//
// 校驗範圍是完整的編碼內容，任何位元翻轉都會被偵測。
func CalculateChecksum(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}

// VerifyChecksum 驗證記錄內容與儲存的校驗和是否一致
func VerifyChecksum(payload []byte, sum uint32) bool {
	return CalculateChecksum(payload) == sum
}

// appendFrame 將一筆記錄以 [長度][校驗和][內容] 格式附加到 buf
func appendFrame(buf []byte, r Record) []byte {
	start := len(buf)
	buf = append(buf, make([]byte, frameHeaderSize)...)
	buf = r.marshal(buf)
	payload := buf[start+frameHeaderSize:]
	binary.BigEndian.PutUint32(buf[start:start+4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[start+4:start+8], CalculateChecksum(payload))
	return buf
}
