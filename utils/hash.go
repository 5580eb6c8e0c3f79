package utils

import (
	"crypto/md5"
	"encoding/hex"
	"hash/fnv"
	"io"
	"os"
	"strconv"
)

// FileMD5 计算文件MD5
func FileMD5(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// BytesMD5 计算字节数组MD5
func BytesMD5(data []byte) string {
	hash := md5.New()
	hash.Write(data)
	return hex.EncodeToString(hash.Sum(nil))
}

// DeriveSeed 由基础种子和若干键派生确定性种子
func DeriveSeed(base int64, keys ...string) int64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(base, 10)))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
	}
	return int64(h.Sum64() & (1<<63 - 1))
}
