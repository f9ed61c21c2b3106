// =============================================================================
// 文件: internal/crypto/crypto.go
// 描述: 数据报封装 - PSK 派生密钥的 AEAD 加密与防重放
// =============================================================================

package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	PSKSize      = 32
	GroupTagSize = 4
	NonceSize    = chacha20poly1305.NonceSize
	TagSize      = chacha20poly1305.Overhead

	// 封装开销: GroupTag(4) + Nonce(12) + AEAD Tag(16)
	Overhead = GroupTagSize + NonceSize + TagSize

	// 密钥轮换窗口 (秒)
	DefaultTimeWindow = 60
)

// Sealer 数据报封装器
//
// 组内全部端点共享一个 PSK。密钥按时间窗口经 HKDF 派生,
// 解封时尝试相邻窗口以容忍时钟偏差。GroupTag 由 PSK 派生,
// 让错误组的数据报在解密之前就被剔除。
type Sealer struct {
	psk        []byte
	groupTag   [GroupTagSize]byte
	timeWindow int

	aeadCache sync.Map // int64 窗口 -> cipher.AEAD
	guard     *ReplayGuard

	mu sync.RWMutex
}

// NewSealer 创建封装器
func NewSealer(pskBase64 string, timeWindow int) (*Sealer, error) {
	psk, err := base64.StdEncoding.DecodeString(pskBase64)
	if err != nil {
		return nil, fmt.Errorf("PSK 解码失败: %w", err)
	}
	if len(psk) != PSKSize {
		return nil, fmt.Errorf("PSK 长度必须是 %d 字节", PSKSize)
	}
	if timeWindow <= 0 {
		timeWindow = DefaultTimeWindow
	}

	s := &Sealer{
		psk:        psk,
		timeWindow: timeWindow,
		guard:      NewReplayGuard(),
	}

	reader := hkdf.New(sha256.New, psk, nil, []byte("rmcast-group-v1"))
	if _, err := io.ReadFull(reader, s.groupTag[:]); err != nil {
		return nil, fmt.Errorf("派生组标签失败: %w", err)
	}

	go s.cleanupAEADLoop()
	return s, nil
}

// GeneratePSK 生成一个新的随机 PSK (base64 编码)
func GeneratePSK() (string, error) {
	psk := make([]byte, PSKSize)
	if _, err := rand.Read(psk); err != nil {
		return "", fmt.Errorf("生成 PSK 失败: %w", err)
	}
	return base64.StdEncoding.EncodeToString(psk), nil
}

// Seal 封装一个数据报
// 输出: GroupTag(4) + Nonce(12) + Ciphertext + Tag(16)
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := s.getAEAD(s.currentWindow())
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("生成 Nonce 失败: %w", err)
	}

	output := make([]byte, GroupTagSize+NonceSize, Overhead+len(plaintext))
	copy(output[:GroupTagSize], s.groupTag[:])
	copy(output[GroupTagSize:], nonce)

	return aead.Seal(output, nonce, plaintext, s.groupTag[:]), nil
}

// Open 解封一个数据报
// 组标签不符、重放或认证失败都返回错误, 调用方静默丢弃即可
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, fmt.Errorf("数据报太短")
	}

	var tag [GroupTagSize]byte
	copy(tag[:], data[:GroupTagSize])
	if tag != s.groupTag {
		return nil, fmt.Errorf("组标签不匹配")
	}

	nonce := data[GroupTagSize : GroupTagSize+NonceSize]
	if !s.guard.CheckOnly(nonce) {
		return nil, fmt.Errorf("重放数据报")
	}

	ciphertext := data[GroupTagSize+NonceSize:]

	// 当前窗口优先, 相邻窗口容忍时钟偏差
	w := s.currentWindow()
	for _, window := range []int64{w, w - 1, w + 1} {
		aead, err := s.getAEAD(window)
		if err != nil {
			continue
		}
		if plaintext, err := aead.Open(nil, nonce, ciphertext, s.groupTag[:]); err == nil {
			s.guard.Mark(nonce)
			return plaintext, nil
		}
	}
	return nil, fmt.Errorf("解封失败")
}

// Stats 防重放统计
func (s *Sealer) Stats() ReplayStats {
	return s.guard.Stats()
}

func (s *Sealer) currentWindow() int64 {
	return time.Now().Unix() / int64(s.timeWindow)
}

func (s *Sealer) getAEAD(window int64) (cipher.AEAD, error) {
	if v, ok := s.aeadCache.Load(window); ok {
		return v.(cipher.AEAD), nil
	}

	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(window))
	reader := hkdf.New(sha256.New, s.psk, salt, []byte("rmcast-key-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("创建 AEAD 失败: %w", err)
	}
	s.aeadCache.Store(window, aead)
	return aead, nil
}

// cleanupAEADLoop 定期丢弃远离当前窗口的派生密钥
func (s *Sealer) cleanupAEADLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cw := s.currentWindow()
		s.aeadCache.Range(func(key, value interface{}) bool {
			w := key.(int64)
			if w < cw-2 || w > cw+2 {
				s.aeadCache.Delete(key)
			}
			return true
		})
	}
}
