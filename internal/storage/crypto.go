package storage

import (
	"bytes"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// CryptoConfig drives the creation of a Crypto helper for at-rest encryption.
type CryptoConfig struct {
	Enabled bool
	RootKey keymgmt.RootKey
	// RecordDescriptor identifies the fixed DEK used for lock records, so
	// every process sharing the key bundle reads the same record material.
	RecordDescriptor keymgmt.Descriptor
	// RecordContext is the kryptograf context bound to the record DEK.
	RecordContext []byte
}

// Crypto encapsulates kryptograf material for lock records and snapshot
// objects. Records use one shared DEK from the key bundle; snapshot objects
// each get a freshly minted DEK whose descriptor travels in object metadata.
type Crypto struct {
	enabled        bool
	kg             kryptograf.Kryptograf
	recordMaterial kryptograf.Material
	recordContext  []byte
}

// NewCrypto initialises a Crypto helper. When encryption is disabled the
// returned value is nil, and all methods degrade to pass-through.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("storage crypto: root key required when encryption enabled")
	}
	if cfg.RecordDescriptor == (keymgmt.Descriptor{}) {
		return nil, fmt.Errorf("storage crypto: record descriptor required when encryption enabled")
	}
	if len(cfg.RecordContext) == 0 {
		return nil, fmt.Errorf("storage crypto: record context required when encryption enabled")
	}
	kg := kryptograf.New(cfg.RootKey)
	mat, err := kg.ReconstructDEK(cfg.RecordContext, cfg.RecordDescriptor)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct record DEK: %w", err)
	}
	return &Crypto{
		enabled:        true,
		kg:             kg,
		recordMaterial: mat,
		recordContext:  append([]byte(nil), cfg.RecordContext...),
	}, nil
}

// Enabled reports whether encryption is active. Safe on a nil receiver.
func (c *Crypto) Enabled() bool {
	return c != nil && c.enabled
}

// EncryptRecord seals a lock-record payload with the shared record material.
func (c *Crypto) EncryptRecord(plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	w, err := c.kg.EncryptWriter(&buf, c.recordMaterial)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt record: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return nil, fmt.Errorf("storage crypto: encrypt record write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt record close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecryptRecord reverses EncryptRecord.
func (c *Crypto) DecryptRecord(ciphertext []byte) ([]byte, error) {
	if !c.Enabled() {
		return ciphertext, nil
	}
	r, err := c.kg.DecryptReader(bytes.NewReader(ciphertext), c.recordMaterial)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt record: %w", err)
	}
	defer r.Close()
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt record read: %w", err)
	}
	return plaintext, nil
}

// SnapshotContext returns the encryption context bound to a snapshot object.
func SnapshotContext(key string) string {
	return "snapshot:" + key
}

// EncryptObject seals an object payload under a freshly minted DEK and returns
// the ciphertext with the descriptor to persist alongside it.
func (c *Crypto) EncryptObject(context string, plaintext []byte) (ciphertext, descriptor []byte, err error) {
	if !c.Enabled() {
		return plaintext, nil, nil
	}
	mat, err := c.kg.MintDEK([]byte(context))
	if err != nil {
		return nil, nil, fmt.Errorf("storage crypto: mint material for %q: %w", context, err)
	}
	descriptor, err = mat.Descriptor.MarshalBinary()
	if err != nil {
		mat.Zero()
		return nil, nil, fmt.Errorf("storage crypto: marshal descriptor for %q: %w", context, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	w, err := c.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, nil, fmt.Errorf("storage crypto: encrypt %q: %w", context, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("storage crypto: encrypt %q write: %w", context, err)
	}
	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("storage crypto: encrypt %q close: %w", context, err)
	}
	return buf.Bytes(), descriptor, nil
}

// DecryptObjectReader wraps src with a decrypting reader for the supplied
// context and descriptor.
func (c *Crypto) DecryptObjectReader(src io.Reader, context string, descriptor []byte) (io.ReadCloser, error) {
	if !c.Enabled() {
		if rc, ok := src.(io.ReadCloser); ok {
			return rc, nil
		}
		return io.NopCloser(src), nil
	}
	if len(descriptor) == 0 {
		return nil, fmt.Errorf("storage crypto: missing descriptor for %q", context)
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(descriptor); err != nil {
		return nil, fmt.Errorf("storage crypto: decode descriptor for %q: %w", context, err)
	}
	mat, err := c.kg.ReconstructDEK([]byte(context), desc)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct material for %q: %w", context, err)
	}
	r, err := c.kg.DecryptReader(src, mat)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt %q: %w", context, err)
	}
	return r, nil
}
