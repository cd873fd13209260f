package realtime

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/segmentio/encoding/json"

	"github.com/Thejuampi/realtime-client-go/realtime/internal/atomicfile"
)

// Storage persists small pieces of local state such as the recovery key
// and device secrets.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key string, value string) error
	GetSecret(deviceID string) (string, bool, error)
	SetSecret(deviceID string, value string) error
}

// MemoryStorage keeps values in process memory. The zero value is ready
// to use.
type MemoryStorage struct {
	lock    sync.Mutex
	values  map[string]string
	secrets map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string), secrets: make(map[string]string)}
}

func (storage *MemoryStorage) Get(key string) (string, bool, error) {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	value, ok := storage.values[key]
	return value, ok, nil
}

// Set stores value under key; an empty value deletes the key.
func (storage *MemoryStorage) Set(key string, value string) error {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	if storage.values == nil {
		storage.values = make(map[string]string)
	}
	setOrDelete(storage.values, key, value)
	return nil
}

func (storage *MemoryStorage) GetSecret(deviceID string) (string, bool, error) {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	value, ok := storage.secrets[deviceID]
	return value, ok, nil
}

func (storage *MemoryStorage) SetSecret(deviceID string, value string) error {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	if storage.secrets == nil {
		storage.secrets = make(map[string]string)
	}
	setOrDelete(storage.secrets, deviceID, value)
	return nil
}

// FileStorage keeps values and secrets in two JSON files under a
// directory. Secrets are written with owner-only permissions.
type FileStorage struct {
	lock        sync.Mutex
	valuesPath  string
	secretsPath string
}

// NewFileStorage returns a FileStorage rooted at dir, creating it if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStorage{
		valuesPath:  filepath.Join(dir, "values.json"),
		secretsPath: filepath.Join(dir, "secrets.json"),
	}, nil
}

func (storage *FileStorage) Get(key string) (string, bool, error) {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	return storage.lookup(storage.valuesPath, key)
}

func (storage *FileStorage) Set(key string, value string) error {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	return storage.update(storage.valuesPath, key, value, 0o644)
}

func (storage *FileStorage) GetSecret(deviceID string) (string, bool, error) {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	return storage.lookup(storage.secretsPath, deviceID)
}

func (storage *FileStorage) SetSecret(deviceID string, value string) error {
	storage.lock.Lock()
	defer storage.lock.Unlock()
	return storage.update(storage.secretsPath, deviceID, value, 0o600)
}

func (storage *FileStorage) lookup(path string, key string) (string, bool, error) {
	entries, err := readStorageFile(path)
	if err != nil {
		return "", false, err
	}
	value, ok := entries[key]
	return value, ok, nil
}

func (storage *FileStorage) update(path string, key string, value string, perm os.FileMode) error {
	entries, err := readStorageFile(path)
	if err != nil {
		return err
	}
	setOrDelete(entries, key, value)
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return atomicfile.Write(path, data, perm)
}

func readStorageFile(path string) (map[string]string, error) {
	data, err := atomicfile.Read(path)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]string)
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func setOrDelete(entries map[string]string, key string, value string) {
	if value == "" {
		delete(entries, key)
		return
	}
	entries[key] = value
}
