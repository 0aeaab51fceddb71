package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// cipherPrefix は暗号化済みトークンの形式バージョンを示すプレフィックス。
const cipherPrefix = "v1:"

// ErrInvalidCiphertext は暗号文の形式が不正な場合のエラー。
var ErrInvalidCiphertext = errors.New("暗号文の形式が不正です")

// CredentialCipher はJiraトークンの保存時暗号化を行う。
type CredentialCipher interface {
	Encrypt(plaintext string) (string, error)
	// Decrypt はプレフィックスのない値を平文の旧データとみなしてそのまま返す。
	Decrypt(value string) (string, error)
	// NeedsReencrypt は値が旧形式の平文で再暗号化が必要かを返す。
	NeedsReencrypt(value string) bool
}

// AESCipher はAES-256-GCMによるCredentialCipherの実装。
type AESCipher struct {
	aead cipher.AEAD
}

var _ CredentialCipher = (*AESCipher)(nil)

// NewAESCipher は16進64文字の鍵からAESCipherを生成する。
func NewAESCipher(hexKey string) (*AESCipher, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("暗号鍵の16進デコードに失敗しました: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("暗号鍵は32バイトである必要があります: %dバイト", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AESブロック暗号の生成に失敗しました: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCMの生成に失敗しました: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

// Encrypt は平文を "v1:" + base64(nonce || ciphertext) 形式に暗号化する。
func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonceの生成に失敗しました: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt は暗号化済みトークンを復号する。
func (c *AESCipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, cipherPrefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, cipherPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plain), nil
}

// NeedsReencrypt は値が旧形式の平文で再暗号化が必要かを返す。
func (c *AESCipher) NeedsReencrypt(value string) bool {
	return value != "" && !strings.HasPrefix(value, cipherPrefix)
}
