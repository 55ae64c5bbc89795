package keychain

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/apify/mcpc/internal/filelock"
)

// FileStore is the encrypted-file fallback used when no OS keychain is
// available. Secrets are NaCl secretbox-sealed with a local key
// file, stored in one JSON document guarded by the same file lock the
// session registry uses
// for sessions.json, so concurrent CLI processes read/write it safely
// without any in-memory cache: the read-modify-write happens entirely
// inside a single WithLock critical section per call.
type FileStore struct {
	secretsPath string
	keyPath     string
}

// NewFileStore creates a fallback store rooted at dir (mcpc's home
// directory). The key file and secrets file are created lazily.
func NewFileStore(dir string) *FileStore {
	return &FileStore{
		secretsPath: filepath.Join(dir, "keychain.enc.json"),
		keyPath:     filepath.Join(dir, "keychain.key"),
	}
}

type sealedDoc map[string]string // "namespace/key" -> base64(nonce || ciphertext)

func (s *FileStore) Get(ns Namespace, key string) ([]byte, error) {
	secretKey, err := s.loadOrCreateKey()
	if err != nil {
		return nil, err
	}

	var out []byte
	err = filelock.WithLock(s.secretsPath, []byte("{}"), func() error {
		doc, err := s.readDoc()
		if err != nil {
			return err
		}
		sealed, ok := doc[docKey(ns, key)]
		if !ok {
			return nil
		}
		out, err = open(sealed, secretKey)
		return err
	})
	return out, err
}

func (s *FileStore) Put(ns Namespace, key string, blob []byte) error {
	secretKey, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}

	return filelock.WithLock(s.secretsPath, []byte("{}"), func() error {
		doc, err := s.readDoc()
		if err != nil {
			return err
		}
		sealed, err := seal(blob, secretKey)
		if err != nil {
			return err
		}
		doc[docKey(ns, key)] = sealed
		return s.writeDoc(doc)
	})
}

func (s *FileStore) Delete(ns Namespace, key string) error {
	return filelock.WithLock(s.secretsPath, []byte("{}"), func() error {
		doc, err := s.readDoc()
		if err != nil {
			return err
		}
		delete(doc, docKey(ns, key))
		return s.writeDoc(doc)
	})
}

func docKey(ns Namespace, key string) string {
	return string(ns) + "/" + key
}

func (s *FileStore) readDoc() (sealedDoc, error) {
	data, err := os.ReadFile(s.secretsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return sealedDoc{}, nil
		}
		return nil, fmt.Errorf("read keychain file: %w", err)
	}
	if len(data) == 0 {
		return sealedDoc{}, nil
	}
	var doc sealedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse keychain file: %w", err)
	}
	if doc == nil {
		doc = sealedDoc{}
	}
	return doc, nil
}

func (s *FileStore) writeDoc(doc sealedDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal keychain file: %w", err)
	}
	return filelock.Atomic(s.secretsPath, data)
}

// loadOrCreateKey reads the local secretbox key, generating one on first
// use. The key file itself isn't a shared resource across hosts (it never
// leaves the machine), so a simple create-if-absent is enough here; the
// shared secretsPath is what needs the file lock.
func (s *FileStore) loadOrCreateKey() (*[32]byte, error) {
	data, err := os.ReadFile(s.keyPath)
	if err == nil && len(data) == 32 {
		var key [32]byte
		copy(key[:], data)
		return &key, nil
	}

	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generate keychain key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create keychain dir: %w", err)
	}
	// O_EXCL: if a concurrent process won the race and created the key
	// file first, re-read and use theirs instead of overwriting it.
	f, err := os.OpenFile(s.keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return s.loadOrCreateKey()
		}
		return nil, fmt.Errorf("create keychain key file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(key[:]); err != nil {
		return nil, fmt.Errorf("write keychain key file: %w", err)
	}
	return &key, nil
}

func seal(plaintext []byte, key *[32]byte) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func open(encoded string, key *[32]byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode sealed secret: %w", err)
	}
	if len(sealed) < 24 {
		return nil, fmt.Errorf("sealed secret too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("decrypt sealed secret: authentication failed")
	}
	return plaintext, nil
}
