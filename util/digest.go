package util

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
)

func CreateMd5Hash() hash.Hash {
	return md5.New()
}

func GetMd5HashString(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Md5Hex returns the lowercase hex md5 of b.
func Md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Cipher derives the stored account cipher from the credentials. It fits
// the 50 byte profile field.
func Cipher(user, pwd string) string {
	return Md5Hex([]byte(user + pwd))
}
