package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

// ErrInvalidKeyEncoding 表示凭证无法解析为 32 字节种子或 64 字节私钥。
var ErrInvalidKeyEncoding = errors.New("keys: invalid key encoding")

var (
	errInvalidLength     = errors.New("decoded length must be 32 or 64 bytes")
	errPublicKeyMismatch = errors.New("public half does not match derived key")
	errShape             = errors.New("credential shape does not match")
)

const (
	formatJSONArray    = "json_array"
	formatHexSecret    = "hex_secret"
	formatBase58Secret = "base58_secret"
	formatBase58       = "base58"
	formatHexSeed      = "hex_seed"
	formatBase64Seed   = "base64_seed"
	formatDecimalList  = "decimal_list"

	hexSecretLen    = ed25519.PrivateKeySize * 2
	base58SecretLen = 88

	base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
)

// attempt 是一次具名的解码尝试。
// decisive 的尝试一旦形状匹配，解码结果即为最终结论，不再回退到后续尝试。
type attempt struct {
	format   string
	decisive bool
	matches  func(s string) bool
	decode   func(s string) ([]byte, error)
}

var attempts = []attempt{
	{format: formatJSONArray, decisive: true, matches: isBracketed, decode: decodeJSONArray},
	{format: formatHexSecret, decisive: true, matches: isHexSecret, decode: decodeHexSecret},
	{format: formatBase58Secret, decisive: true, matches: isBase58SecretLen, decode: decodeBase58Secret},
	{format: formatBase58, matches: always, decode: decodeBase58},
	{format: formatHexSeed, matches: always, decode: decodeHexSeed},
	{format: formatBase64Seed, matches: always, decode: decodeBase64Seed},
	{format: formatDecimalList, matches: always, decode: decodeDecimalList},
}

// Load 将凭证字符串解析为签名身份。日志只包含格式与长度。
func Load(credential string, logger *zap.Logger) (*Identity, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := strings.TrimSpace(credential)
	if s == "" {
		logger.Error("签名凭证为空")
		return nil, fmt.Errorf("%w: empty credential", ErrInvalidKeyEncoding)
	}

	for _, a := range attempts {
		if !a.matches(s) {
			continue
		}

		material, err := a.decode(s)
		if err == nil {
			var id *Identity
			id, err = newIdentity(material)
			wipe(material)
			if err == nil {
				logger.Info("签名密钥加载完成",
					zap.String("format", a.format),
					zap.Int("length", len(material)),
					zap.Object("identity", id),
				)
				return id, nil
			}
		}

		if a.decisive {
			logger.Error("签名凭证解析失败",
				zap.String("format", a.format),
				zap.Int("credential_length", len(s)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w (%s): %w", ErrInvalidKeyEncoding, a.format, err)
		}

		logger.Debug("解码尝试未命中", zap.String("format", a.format))
	}

	logger.Error("签名凭证无法识别", zap.Int("credential_length", len(s)))
	return nil, ErrInvalidKeyEncoding
}

func always(string) bool { return true }

func isBracketed(s string) bool {
	return strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")
}

func isHexSecret(s string) bool {
	return len(s) == hexSecretLen && isHex(s)
}

// base64 编码的 64 字节私钥同样是 88 个字符，这里按字母表区分。
func isBase58SecretLen(s string) bool {
	if len(s) != base58SecretLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(base58Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func decodeJSONArray(s string) ([]byte, error) {
	var values []int
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil, errShape
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			wipe(out)
			return nil, fmt.Errorf("byte %d out of range", i)
		}
		out[i] = byte(v)
	}
	if !validLength(out) {
		wipe(out)
		return nil, errInvalidLength
	}
	return out, nil
}

func decodeHexSecret(s string) ([]byte, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, errShape
	}
	return out, nil
}

func decodeBase58Secret(s string) ([]byte, error) {
	out, err := base58.Decode(s)
	if err != nil {
		return nil, errShape
	}
	if len(out) != ed25519.PrivateKeySize {
		wipe(out)
		return nil, errInvalidLength
	}
	return out, nil
}

func decodeBase58(s string) ([]byte, error) {
	out, err := base58.Decode(s)
	if err != nil {
		return nil, errShape
	}
	if !validLength(out) {
		wipe(out)
		return nil, errInvalidLength
	}
	return out, nil
}

func decodeHexSeed(s string) ([]byte, error) {
	out, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, errShape
	}
	return firstSeed(out)
}

func decodeBase64Seed(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errShape
	}
	return firstSeed(out)
}

func decodeDecimalList(s string) ([]byte, error) {
	parts := strings.Split(s, ",")
	out := make([]byte, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			wipe(out)
			return nil, errShape
		}
		out = append(out, byte(v))
	}
	if !validLength(out) {
		wipe(out)
		return nil, errInvalidLength
	}
	return out, nil
}

// firstSeed 截取前 32 字节作为种子，剩余部分清零。
func firstSeed(buf []byte) ([]byte, error) {
	if len(buf) < ed25519.SeedSize {
		wipe(buf)
		return nil, errInvalidLength
	}
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, buf)
	wipe(buf)
	return seed, nil
}

func validLength(b []byte) bool {
	return len(b) == ed25519.SeedSize || len(b) == ed25519.PrivateKeySize
}
