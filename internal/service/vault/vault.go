// Package vault — 凭据保险库：连接密钥与 API Key 的静态加密存储。
// file: internal/service/vault/vault.go
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"DataAegis/internal/core/port"
)

// 断言 *FileVault 实现 port.Vault 接口，编译期校验
var _ port.Vault = (*FileVault)(nil)

// ErrCorruptCiphertext 表示密文被截断或被篡改，AEAD 校验失败。
var ErrCorruptCiphertext = errors.New("密文损坏或已被篡改")

// FileVault 用 ChaCha20-Poly1305 AEAD 密封字节串。
// 32 字节密钥在进程启动时从密钥文件加载一次，常驻内存，
// 绝不写日志、绝不再次序列化。
type FileVault struct {
	aead cipher.AEAD
}

// Load 从 keyPath 加载保险库密钥。文件不存在时生成新密钥 (0600)；
// 文件存在但不可读或长度非法属于致命错误，由调用方中止启动。
func Load(keyPath string) (*FileVault, error) {
	key, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("保险库密钥文件 '%s' 长度非法: %d 字节", keyPath, len(key))
		}
	case os.IsNotExist(err):
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("生成保险库密钥失败: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
			return nil, fmt.Errorf("创建保险库目录失败: %w", err)
		}
		if err := os.WriteFile(keyPath, key, 0o600); err != nil {
			return nil, fmt.Errorf("写入保险库密钥文件 '%s' 失败: %w", keyPath, err)
		}
		slog.Warn("保险库密钥文件不存在，已生成新密钥。请妥善备份该文件。", "path", keyPath)
	default:
		return nil, fmt.Errorf("读取保险库密钥文件 '%s' 失败: %w", keyPath, err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("初始化 AEAD 失败: %w", err)
	}
	return &FileVault{aead: aead}, nil
}

// Seal 加密明文，输出 nonce || ciphertext。
func (v *FileVault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("生成 nonce 失败: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open 解密 Seal 的输出。密文被截断或篡改时返回 ErrCorruptCiphertext。
func (v *FileVault) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < v.aead.NonceSize() {
		return nil, ErrCorruptCiphertext
	}
	nonce, sealed := ciphertext[:v.aead.NonceSize()], ciphertext[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCorruptCiphertext
	}
	return plaintext, nil
}
