// Package tokenstore holds the durable client-side token store.
//
// FileStore keeps the session as age-encrypted JSON on disk so a restarted
// console can restore it without prompting. MemoryStore is the in-process
// variant used by tests and by `serve --ephemeral`.
package tokenstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"filippo.io/age"

	"github.com/sufield/devicefleet/internal/ports"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// FileStore is an age-encrypted token file. The X25519 identity lives in a
// separate file and is generated on first use.
type FileStore struct {
	path     string
	identity *age.X25519Identity

	mu sync.Mutex
}

var _ ports.TokenStore = (*FileStore)(nil)

// NewFileStore opens (or prepares) the store at path, with the age identity
// at identityPath. A missing identity file is created.
func NewFileStore(path, identityPath string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("token store path is required")
	}
	if strings.TrimSpace(identityPath) == "" {
		identityPath = path + ".key"
	}
	path = filepath.Clean(path)
	identityPath = filepath.Clean(identityPath)

	identity, err := loadOrCreateIdentity(identityPath)
	if err != nil {
		return nil, err
	}
	return &FileStore{path: path, identity: identity}, nil
}

// Path returns the token file path.
func (s *FileStore) Path() string { return s.path }

// Load implements ports.TokenStore.
func (s *FileStore) Load(_ context.Context) (ports.StoredSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ports.StoredSession{}, ports.ErrTokensNotFound
	}
	if err != nil {
		return ports.StoredSession{}, fmt.Errorf("stat token store: %w", err)
	}
	if err := checkPrivate(s.path, info); err != nil {
		return ports.StoredSession{}, err
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return ports.StoredSession{}, fmt.Errorf("read token store: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return ports.StoredSession{}, fmt.Errorf("%w: decrypting: %v", ports.ErrTokenStoreCorrupt, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return ports.StoredSession{}, fmt.Errorf("%w: reading: %v", ports.ErrTokenStoreCorrupt, err)
	}
	var stored ports.StoredSession
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return ports.StoredSession{}, fmt.Errorf("%w: decoding: %v", ports.ErrTokenStoreCorrupt, err)
	}
	return stored, nil
}

// Save implements ports.TokenStore. The file is replaced atomically.
func (s *FileStore) Save(_ context.Context, stored ports.StoredSession) error {
	plaintext, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path, buf.Bytes())
}

// Clear implements ports.TokenStore.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token store: %w", err)
	}
	return nil
}

func checkPrivate(path string, info fs.FileInfo) error {
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o, want 0600", ports.ErrTokenStoreInsecure, path, info.Mode().Perm())
	}
	return nil
}

func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("generating age identity: %w", err)
		}
		content := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
			time.Now().UTC().Format(time.RFC3339), identity.Recipient(), identity)
		if err := writeFileAtomic(path, []byte(content)); err != nil {
			return nil, fmt.Errorf("writing age identity: %w", err)
		}
		return identity, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open age identity: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat age identity: %w", err)
	}
	if err := checkPrivate(path, info); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			identity, err := age.ParseX25519Identity(line)
			if err != nil {
				return nil, fmt.Errorf("parsing age identity: %w", err)
			}
			return identity, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age identity: %w", err)
	}
	return nil, fmt.Errorf("%s contains no age identity", path)
}

// writeFileAtomic writes data to a temp file in the same directory with mode
// 0600 and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
