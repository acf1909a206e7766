package nwc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// sharedSecret derives the NIP-04 conversation key: the x coordinate of the
// ECDH point between our secret key and the wallet service's public key.
func sharedSecret(secretKey *btcec.PrivateKey, walletPubKey *btcec.PublicKey) []byte {
	var point, result btcec.JacobianPoint
	walletPubKey.AsJacobian(&point)
	btcec.ScalarMultNonConst(&secretKey.Key, &point, &result)
	result.ToAffine()
	shared := result.X.Bytes()
	return shared[:]
}

// encryptNIP04 produces "<base64 ciphertext>?iv=<base64 iv>" using
// AES-256-CBC with PKCS#7 padding, per NIP-04.
func encryptNIP04(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// decryptNIP04 reverses encryptNIP04.
func decryptNIP04(content string, key []byte) (string, error) {
	parts := strings.Split(content, "?iv=")
	if len(parts) != 2 {
		return "", errors.New("malformed nip04 payload")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("invalid nip04 ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("invalid nip04 iv: %w", err)
	}
	if len(iv) != aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 || len(ciphertext) == 0 {
		return "", errors.New("invalid nip04 block sizes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padding)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padding)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid padding byte")
		}
	}
	return data[:len(data)-padding], nil
}
