// Package store 基于BoltDB持久化工厂创建日志、转账登记和分发合约领取状态
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"distributor/internal/vesting"
	"distributor/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/distributor.db"

	// 存储桶名称
	DistributionsBucket = "distributions"
	TransfersBucket     = "transfers"
	StatesBucket        = "states"
	MetaBucket          = "meta"

	// 元数据键
	FactoryAddressKey = "factory_address"
)

// BoltStore BoltDB状态存储
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
}

// NewBoltStore 打开或创建状态数据库
func NewBoltStore(dbPath string, logger *logrus.Logger) (*BoltStore, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开状态数据库失败: %w", err)
	}

	s := &BoltStore{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("状态存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

// initDB 初始化数据库结构
func (s *BoltStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{DistributionsBucket, TransfersBucket, StatesBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// BindFactory 绑定数据库到工厂地址，已绑定到其他工厂时返回错误
func (s *BoltStore) BindFactory(address common.Address) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if existing := bucket.Get([]byte(FactoryAddressKey)); existing != nil {
			if common.BytesToAddress(existing) != address {
				return fmt.Errorf("数据库属于工厂 %s，当前工厂为 %s", common.BytesToAddress(existing).Hex(), address.Hex())
			}
			return nil
		}
		return bucket.Put([]byte(FactoryAddressKey), address.Bytes())
	})
}

// appendOnly 写入新键，键已存在时返回错误
func (s *BoltStore) appendOnly(bucketName string, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("存储桶 %s 不存在", bucketName)
		}
		if bucket.Get(key) != nil {
			return fmt.Errorf("%s 中记录 %x 已存在", bucketName, key)
		}
		return bucket.Put(key, data)
	})
}

// SaveRecord 保存创建记录
func (s *BoltStore) SaveRecord(record *models.DistributionRecord) error {
	if err := s.appendOnly(DistributionsBucket, sequenceKey(record.Sequence), record); err != nil {
		return fmt.Errorf("保存创建记录失败: %w", err)
	}
	s.logger.Debugf("已保存创建记录 #%d", record.Sequence)
	return nil
}

// SaveTransfer 保存转账登记
func (s *BoltStore) SaveTransfer(record *models.TransferRecord) error {
	if err := s.appendOnly(TransfersBucket, sequenceKey(record.Sequence), record); err != nil {
		return fmt.Errorf("保存转账登记失败: %w", err)
	}
	s.logger.Debugf("已保存转账登记 #%d", record.Sequence)
	return nil
}

// SaveState 保存分发合约领取状态
func (s *BoltStore) SaveState(state vesting.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化领取状态失败: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(StatesBucket))
		if err := bucket.Put(state.Address.Bytes(), data); err != nil {
			return fmt.Errorf("保存领取状态失败: %w", err)
		}
		return nil
	})
}

// LoadRecords 按序号读取全部创建记录
func (s *BoltStore) LoadRecords() ([]*models.DistributionRecord, error) {
	var records []*models.DistributionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(DistributionsBucket)).ForEach(func(k, v []byte) error {
			var r models.DistributionRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("解析创建记录 #%d 失败: %w", binary.BigEndian.Uint64(k), err)
			}
			records = append(records, &r)
			return nil
		})
	})
	return records, err
}

// LoadTransfers 按序号读取全部转账登记
func (s *BoltStore) LoadTransfers() ([]*models.TransferRecord, error) {
	var records []*models.TransferRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(TransfersBucket)).ForEach(func(k, v []byte) error {
			var r models.TransferRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("解析转账登记 #%d 失败: %w", binary.BigEndian.Uint64(k), err)
			}
			records = append(records, &r)
			return nil
		})
	})
	return records, err
}

// LoadState 读取分发合约领取状态，不存在时第二个返回值为 false
func (s *BoltStore) LoadState(address common.Address) (*vesting.State, bool, error) {
	var state *vesting.State
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(StatesBucket)).Get(address.Bytes())
		if data == nil {
			return nil
		}
		state = &vesting.State{}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, false, fmt.Errorf("读取领取状态失败: %w", err)
	}
	return state, state != nil, nil
}

// GetStats 获取存储统计
func (s *BoltStore) GetStats() map[string]interface{} {
	stats := map[string]interface{}{"db_path": s.dbPath}
	s.db.View(func(tx *bolt.Tx) error {
		for _, name := range []string{DistributionsBucket, TransfersBucket, StatesBucket} {
			stats[name] = tx.Bucket([]byte(name)).Stats().KeyN
		}
		return nil
	})
	return stats
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	if s.db != nil {
		s.logger.Info("关闭状态数据库")
		return s.db.Close()
	}
	return nil
}
