package secretstore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Store 券商凭据库：Badger 静态加密 KV 的薄包装。
// 加密由 Badger 的 value log + key registry 提供，本包不另做加密。
// 凭据解密/供给被视为外部输入——核心只拿到解密后的键值对。
type Store struct {
	db *badger.DB
}

// OpenOptions 打开参数
type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 字节；为空则不加密（不建议生产使用）
	ReadOnly      bool
}

// Open 打开凭据库
func Open(opts OpenOptions) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// 加密工作负载要求 index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// ParseKeyHex 解析 32 字节 hex 加密密钥
func ParseKeyHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.New("secretstore: encryption key must be hex")
	}
	if len(key) != 32 {
		return nil, errors.New("secretstore: encryption key must be 32 bytes")
	}
	return key, nil
}

// Close 关闭凭据库
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetCredentials 读取某券商的凭据键值对；不存在返回 (nil, false, nil)
func (s *Store) GetCredentials(broker string) (map[string]string, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("secretstore: not opened")
	}
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credKey(broker))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	creds := make(map[string]string)
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, false, err
	}
	return creds, true, nil
}

// PutCredentials 写入某券商的凭据键值对
func (s *Store) PutCredentials(broker string, creds map[string]string) error {
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(credKey(broker), raw)
	})
}

func credKey(broker string) []byte {
	return []byte("broker:" + strings.TrimSpace(broker))
}
