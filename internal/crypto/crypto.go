package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"gorm.io/gorm"

	"github.com/oltcli/oltcli/internal/database"
)

// settingKey settings 表中保存密钥的键
const settingKey = "fernet_key"

// ErrInvalidToken 密文无法解密（密钥不匹配或被篡改）
var ErrInvalidToken = errors.New("decrypt: invalid token")

// Box 使用 fernet 加解密保存的账号密码
type Box struct {
	keys []*fernet.Key
}

// New 由编码后的密钥创建；多个密钥时第一个用于加密，其余仅用于解密（轮换）
func New(encoded ...string) (*Box, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("no fernet key given")
	}
	keys := make([]*fernet.Key, 0, len(encoded))
	for _, s := range encoded {
		k, err := fernet.DecodeKey(s)
		if err != nil {
			return nil, fmt.Errorf("decode fernet key: %w", err)
		}
		keys = append(keys, k)
	}
	return &Box{keys: keys}, nil
}

// GenerateKey 生成新密钥
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

// LoadOrCreate 配置的密钥优先，否则从 settings 表读取，首次运行时生成并保存
func LoadOrCreate(db *gorm.DB, configured string) (*Box, error) {
	if configured != "" {
		return New(configured)
	}
	keyStr, err := database.GetSetting(db, settingKey)
	if errors.Is(err, database.ErrSettingNotFound) {
		keyStr, err = GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := database.SetSetting(db, settingKey, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}
	return New(keyStr)
}

// Encrypt 加密；空串原样返回
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), b.keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt 解密；空串原样返回
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, b.keys)
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// Mask 日志与接口中展示的掩码
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
