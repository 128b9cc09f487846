package keys

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap/zapcore"
)

// ErrIdentityDestroyed 表示密钥已在关闭流程中被清除。
var ErrIdentityDestroyed = errors.New("keys: identity destroyed")

// Identity 为签名身份：公开地址 + 私有的密钥字节。
// 密钥字节不会离开本包，所有签名都在 Identity 内完成。
type Identity struct {
	address solana.PublicKey

	keyMu sync.RWMutex
	key   solana.PrivateKey

	// serial 串行化同一钱包的 签名→提交→确认 流程。
	serial sync.Mutex
}

func newIdentity(material []byte) (*Identity, error) {
	var seed []byte
	switch len(material) {
	case ed25519.SeedSize:
		seed = material
	case ed25519.PrivateKeySize:
		seed = material[:ed25519.SeedSize]
	default:
		return nil, errInvalidLength
	}

	derived := ed25519.NewKeyFromSeed(seed)
	if len(material) == ed25519.PrivateKeySize && subtle.ConstantTimeCompare(derived[ed25519.SeedSize:], material[ed25519.SeedSize:]) != 1 {
		wipe(derived)
		return nil, errPublicKeyMismatch
	}

	key := solana.PrivateKey(derived)
	return &Identity{
		address: key.PublicKey(),
		key:     key,
	}, nil
}

// Address 返回钱包公钥。
func (id *Identity) Address() solana.PublicKey {
	return id.address
}

// SignTransaction 使用本身份为交易签名，交易中的其他签名者不受影响。
func (id *Identity) SignTransaction(tx *solana.Transaction) error {
	if tx == nil {
		return errors.New("keys: 交易不能为空")
	}

	id.keyMu.RLock()
	defer id.keyMu.RUnlock()

	if len(id.key) == 0 {
		return ErrIdentityDestroyed
	}

	_, err := tx.Sign(func(signer solana.PublicKey) *solana.PrivateKey {
		if signer.Equals(id.address) {
			return &id.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("keys: 交易签名失败: %w", err)
	}
	return nil
}

// Lock 获取钱包级串行锁。
func (id *Identity) Lock() {
	id.serial.Lock()
}

// Unlock 释放钱包级串行锁。
func (id *Identity) Unlock() {
	id.serial.Unlock()
}

// Destroy 清零密钥字节，之后的签名请求返回 ErrIdentityDestroyed。
func (id *Identity) Destroy() {
	id.keyMu.Lock()
	defer id.keyMu.Unlock()
	wipe(id.key)
	id.key = nil
}

func (id *Identity) String() string {
	return id.address.String()
}

func (id *Identity) GoString() string {
	return "keys.Identity{" + id.address.String() + "}"
}

// MarshalJSON 只输出地址。
func (id *Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"address": id.address.String()})
}

// MarshalLogObject 让 zap.Object 只记录地址。
func (id *Identity) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("address", id.address.String())
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
