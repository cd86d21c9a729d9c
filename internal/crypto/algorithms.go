package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAES selects the AES block cipher.
	AlgorithmAES = "AES"
	// AlgorithmChaCha20 selects ChaCha20, only usable with ModePoly1305.
	AlgorithmChaCha20 = "ChaCha20"

	ModeGCM      = "GCM"
	ModeCBC      = "CBC"
	ModePoly1305 = "Poly1305"
	// ModeNone performs no cipher setup. It exists so failure paths can be
	// exercised; using it always ends in a configuration error.
	ModeNone = "None"

	PaddingNone  = "NoPadding"
	PaddingPKCS5 = "PKCS5Padding"

	gcmStandardNonceSize = 12
	gcmStandardTagBits   = 128
	cbcIVSize            = aes.BlockSize
	chacha20KeyBits      = chacha20poly1305.KeySize * 8
)

// CipherSpec is the fully resolved description of a symmetric cipher setup.
// Sizes: KeySize and GCMTagLength in bits, IVSize in bytes.
type CipherSpec struct {
	Algorithm    string
	Mode         string
	Padding      string
	KeySize      int
	IVSize       int
	GCMTagLength int
}

func (s CipherSpec) String() string {
	return fmt.Sprintf("%s/%s/%s", s.Algorithm, s.Mode, s.Padding)
}

// keyCipherParams is the cipher section of a key configuration, used to
// create new ciphertext.
type keyCipherParams struct {
	Algorithm    string `json:"algorithm"`
	Mode         string `json:"mode"`
	Padding      string `json:"padding"`
	KeySize      int    `json:"keySize"`
	IVSize       int    `json:"ivSize"`
	GCMTagLength int    `json:"gcmTagLength"`
}

func (p *keyCipherParams) validate() error {
	if err := requireField("algorithm", p.Algorithm); err != nil {
		return err
	}
	if err := requireField("mode", p.Mode); err != nil {
		return err
	}
	if p.KeySize <= 0 {
		return fmt.Errorf("required field %q is missing", "keySize")
	}
	if p.Padding == "" {
		p.Padding = PaddingNone
	}
	if p.IVSize == 0 {
		p.IVSize = defaultIVSize(p.Mode)
	}
	if p.GCMTagLength == 0 {
		p.GCMTagLength = gcmStandardTagBits
	}
	return nil
}

func (p *keyCipherParams) spec() CipherSpec {
	return CipherSpec{
		Algorithm:    p.Algorithm,
		Mode:         p.Mode,
		Padding:      p.Padding,
		KeySize:      p.KeySize,
		IVSize:       p.IVSize,
		GCMTagLength: p.GCMTagLength,
	}
}

// ciphertextParams is the cipher section embedded in a ciphertext payload,
// used to reverse it. Decryption relies on these values only, never on the
// current key configuration.
type ciphertextParams struct {
	Algorithm    string `json:"algorithm"`
	Mode         string `json:"mode"`
	Padding      string `json:"padding"`
	KeySize      int    `json:"keySize"`
	GCMTagLength int    `json:"gcmTagLength"`
	IV           string `json:"iv"`
	CipherText   string `json:"cipherText"`

	iv         []byte
	cipherText []byte
}

func (p *ciphertextParams) validate() error {
	for name, v := range map[string]string{
		"algorithm":  p.Algorithm,
		"mode":       p.Mode,
		"padding":    p.Padding,
		"iv":         p.IV,
		"cipherText": p.CipherText,
	} {
		if err := requireField(name, v); err != nil {
			return err
		}
	}
	if p.KeySize <= 0 {
		return fmt.Errorf("required field %q is missing", "keySize")
	}
	var err error
	if p.iv, err = base64.StdEncoding.DecodeString(p.IV); err != nil {
		return fmt.Errorf("invalid iv encoding: %w", err)
	}
	if p.cipherText, err = base64.StdEncoding.DecodeString(p.CipherText); err != nil {
		return fmt.Errorf("invalid cipherText encoding: %w", err)
	}
	return nil
}

func (p *ciphertextParams) spec() CipherSpec {
	return CipherSpec{
		Algorithm:    p.Algorithm,
		Mode:         p.Mode,
		Padding:      p.Padding,
		KeySize:      p.KeySize,
		IVSize:       len(p.iv),
		GCMTagLength: p.GCMTagLength,
	}
}

// cipherPayload renders the common ciphertext fields shared by every
// symmetric delegate.
func cipherPayload(spec CipherSpec, iv, ciphertext []byte) map[string]any {
	return map[string]any{
		"algorithm":    spec.Algorithm,
		"mode":         spec.Mode,
		"padding":      spec.Padding,
		"keySize":      spec.KeySize,
		"gcmTagLength": spec.GCMTagLength,
		"iv":           base64.StdEncoding.EncodeToString(iv),
		"cipherText":   base64.StdEncoding.EncodeToString(ciphertext),
	}
}

func defaultIVSize(mode string) int {
	switch mode {
	case ModeCBC:
		return cbcIVSize
	default:
		return gcmStandardNonceSize
	}
}

// symmetricCipher is a cipher primitive built from a CipherSpec. It must be
// initialized with a key and IV before use.
type symmetricCipher struct {
	spec        CipherSpec
	aead        cipher.AEAD
	block       cipher.Block
	iv          []byte
	initialized bool
}

// newCipher validates the algorithm/mode/padding combination and returns an
// uninitialized primitive.
func newCipher(spec CipherSpec) (*symmetricCipher, error) {
	switch spec.Algorithm {
	case AlgorithmAES:
		switch spec.KeySize {
		case 128, 192, 256:
		default:
			return nil, fmt.Errorf("invalid key size for AES: %d bits", spec.KeySize)
		}
		switch spec.Mode {
		case ModeGCM:
			if spec.Padding != PaddingNone {
				return nil, fmt.Errorf("padding %s is not valid for %s", spec.Padding, spec.Mode)
			}
		case ModeCBC:
			if spec.Padding != PaddingNone && spec.Padding != PaddingPKCS5 {
				return nil, fmt.Errorf("unsupported padding %s for CBC", spec.Padding)
			}
		case ModeNone:
		default:
			return nil, fmt.Errorf("unsupported mode %s for AES", spec.Mode)
		}
	case AlgorithmChaCha20:
		if spec.Mode != ModePoly1305 || spec.Padding != PaddingNone {
			return nil, fmt.Errorf("unsupported combination %s", spec)
		}
		if spec.KeySize != chacha20KeyBits {
			return nil, fmt.Errorf("invalid key size for ChaCha20: %d bits", spec.KeySize)
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", spec.Algorithm)
	}
	return &symmetricCipher{spec: spec}, nil
}

// init prepares the primitive for use with key and iv. ModeNone performs no
// setup, so encrypt/decrypt will refuse to run afterwards.
func (c *symmetricCipher) init(key, iv []byte) error {
	if c.spec.Mode == ModeNone {
		return nil
	}
	if len(key)*8 != c.spec.KeySize {
		return fmt.Errorf("invalid key length: expected %d bits, got %d", c.spec.KeySize, len(key)*8)
	}
	if len(iv) != c.spec.IVSize {
		return fmt.Errorf("invalid iv length: expected %d bytes, got %d", c.spec.IVSize, len(iv))
	}

	switch c.spec.Algorithm {
	case AlgorithmAES:
		block, err := aes.NewCipher(key)
		if err != nil {
			return fmt.Errorf("failed to create AES cipher: %w", err)
		}
		switch c.spec.Mode {
		case ModeGCM:
			aead, err := newGCM(block, c.spec.IVSize, c.spec.GCMTagLength)
			if err != nil {
				return err
			}
			c.aead = aead
		case ModeCBC:
			if len(iv) != cbcIVSize {
				return fmt.Errorf("CBC requires a %d byte iv, got %d", cbcIVSize, len(iv))
			}
			c.block = block
		}
	case AlgorithmChaCha20:
		var (
			aead cipher.AEAD
			err  error
		)
		switch len(iv) {
		case chacha20poly1305.NonceSize:
			aead, err = chacha20poly1305.New(key)
		case chacha20poly1305.NonceSizeX:
			aead, err = chacha20poly1305.NewX(key)
		default:
			return fmt.Errorf("invalid nonce size for ChaCha20-Poly1305: %d", len(iv))
		}
		if err != nil {
			return fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
		}
		c.aead = aead
	}

	c.iv = append([]byte(nil), iv...)
	c.initialized = true
	return nil
}

func newGCM(block cipher.Block, ivSize, tagBits int) (cipher.AEAD, error) {
	switch {
	case tagBits == gcmStandardTagBits:
		gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return gcm, nil
	case ivSize == gcmStandardNonceSize && tagBits%8 == 0:
		gcm, err := cipher.NewGCMWithTagSize(block, tagBits/8)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return gcm, nil
	default:
		return nil, fmt.Errorf("unsupported GCM parameters: iv %d bytes with %d bit tag", ivSize, tagBits)
	}
}

func (c *symmetricCipher) encrypt(plaintext []byte) ([]byte, error) {
	if !c.initialized {
		return nil, fmt.Errorf("cipher %s was not initialized", c.spec)
	}
	if c.aead != nil {
		return c.aead.Seal(nil, c.iv, plaintext, nil), nil
	}

	in := plaintext
	if c.spec.Padding == PaddingPKCS5 {
		in = pkcs5Pad(plaintext, aes.BlockSize)
	} else if len(in)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("plaintext length %d is not a multiple of the block size", len(in))
	}
	out := make([]byte, len(in))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, in)
	return out, nil
}

func (c *symmetricCipher) decrypt(ciphertext []byte) ([]byte, error) {
	if !c.initialized {
		return nil, fmt.Errorf("cipher %s was not initialized", c.spec)
	}
	if c.aead != nil {
		plaintext, err := c.aead.Open(nil, c.iv, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to authenticate ciphertext: %w", err)
		}
		return plaintext, nil
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, ciphertext)
	if c.spec.Padding == PaddingPKCS5 {
		return pkcs5Unpad(out, aes.BlockSize)
	}
	return out, nil
}

func pkcs5Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs5Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("bad padding")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("bad padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("bad padding")
		}
	}
	return b[:len(b)-n], nil
}

// sealWith encrypts plaintext with key under spec and a fresh iv. Both key
// and plaintext stay owned by the caller.
func sealWith(spec CipherSpec, key, iv, plaintext []byte) ([]byte, error) {
	c, err := newCipher(spec)
	if err != nil {
		return nil, err
	}
	if err := c.init(key, iv); err != nil {
		return nil, err
	}
	return c.encrypt(plaintext)
}

// openWith reverses sealWith using the parameters embedded in a ciphertext.
func openWith(p *ciphertextParams, key []byte) ([]byte, error) {
	c, err := newCipher(p.spec())
	if err != nil {
		return nil, err
	}
	if err := c.init(key, p.iv); err != nil {
		return nil, err
	}
	return c.decrypt(p.cipherText)
}
