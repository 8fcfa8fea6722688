package util

import (
	"time"

	"github.com/boltdb/bolt"
	"github.com/hetianyi/gox/logger"
)

var configBucket = []byte("config")

// ConfigMap is a small persistent key value store kept next to the data
// of an instance.
type ConfigMap struct {
	db *bolt.DB
}

// OpenConfigMap opens or creates the bolt file at path.
func OpenConfigMap(path string) (*ConfigMap, error) {
	logger.Debug("initial config map: ", path)
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second * 5})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(configBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &ConfigMap{db: db}, nil
}

// GetConfig returns a copy of the value stored under key, nil if absent.
func (m *ConfigMap) GetConfig(key string) ([]byte, error) {
	var ret []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(configBucket).Get([]byte(key))
		if v != nil {
			ret = append([]byte{}, v...)
		}
		return nil
	})
	return ret, err
}

func (m *ConfigMap) PutConfig(key string, value []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(configBucket).Put([]byte(key), value)
	})
}

// BatchUpdate runs several writes in one transaction.
func (m *ConfigMap) BatchUpdate(f func(b *bolt.Bucket) error) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return f(tx.Bucket(configBucket))
	})
}

func (m *ConfigMap) Close() error {
	return m.db.Close()
}
