// Package connection 管理只读链上查询使用的以太坊RPC节点
package connection

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"distributor/internal/config"
	"distributor/internal/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// unhealthyCooldown 节点失败后暂停使用的时间
const unhealthyCooldown = 30 * time.Second

// ConnectionPool 按优先级故障转移的RPC节点池
type ConnectionPool struct {
	nodes   []*nodeClient
	logger  *logrus.Logger
	timeout time.Duration
	retrier *retry.Retrier
	now     func() time.Time
}

type nodeClient struct {
	name     string
	url      string
	priority int

	mu         sync.Mutex
	client     *ethclient.Client
	healthy    bool
	until      time.Time // 不健康状态的结束时间
	errorCount int
	lastUsed   time.Time
}

// NewConnectionPool 创建连接池，连接在首次使用时建立
func NewConnectionPool(cfg *config.ChainConfig, logger *logrus.Logger) (*ConnectionPool, error) {
	if cfg == nil || len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("未配置任何RPC节点")
	}

	nodes := make([]*nodeClient, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodes = append(nodes, &nodeClient{name: n.Name, url: n.URL, priority: n.Priority, healthy: true})
	}
	return newPool(nodes, cfg.TimeoutDuration(), logger), nil
}

// NewConnectionPoolWithClients 使用已建立的客户端创建连接池，按传入顺序确定优先级
func NewConnectionPoolWithClients(names []string, clients []*ethclient.Client, logger *logrus.Logger) *ConnectionPool {
	nodes := make([]*nodeClient, 0, len(clients))
	for i, c := range clients {
		nodes = append(nodes, &nodeClient{name: names[i], priority: i, client: c, healthy: true})
	}
	return newPool(nodes, 10*time.Second, logger)
}

func newPool(nodes []*nodeClient, timeout time.Duration, logger *logrus.Logger) *ConnectionPool {
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].priority < nodes[j].priority })

	return &ConnectionPool{
		nodes:   nodes,
		logger:  logger,
		timeout: timeout,
		retrier: retry.NewRetrier(retry.RPCRetryConfig, logger),
		now:     time.Now,
	}
}

// dial 建立或复用节点连接
func (n *nodeClient) dial(ctx context.Context) (*ethclient.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.client != nil {
		return n.client, nil
	}
	client, err := ethclient.DialContext(ctx, n.url)
	if err != nil {
		return nil, fmt.Errorf("连接节点 %s 失败: %w", n.name, err)
	}
	n.client = client
	return client, nil
}

func (n *nodeClient) available(now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.healthy || now.After(n.until)
}

func (n *nodeClient) markResult(err error, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastUsed = now
	if err == nil {
		n.healthy = true
		return
	}
	n.errorCount++
	n.healthy = false
	n.until = now.Add(unhealthyCooldown)
}

// Do 依次在可用节点上执行 fn，直到成功或所有节点失败。
// 全部节点都处于冷却期时仍按优先级尝试一遍。
func (cp *ConnectionPool) Do(ctx context.Context, fn func(ctx context.Context, client *ethclient.Client) error) error {
	candidates := make([]*nodeClient, 0, len(cp.nodes))
	for _, n := range cp.nodes {
		if n.available(cp.now()) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		candidates = cp.nodes
	}

	var lastErr error
	for _, n := range candidates {
		err := cp.retrier.Execute(ctx, "rpc:"+n.name, func() error {
			callCtx, cancel := context.WithTimeout(ctx, cp.timeout)
			defer cancel()

			client, err := n.dial(callCtx)
			if err != nil {
				return retry.NewRetryableError(err, true)
			}
			return fn(callCtx, client)
		})
		n.markResult(err, cp.now())
		if err == nil {
			return nil
		}

		lastErr = err
		cp.logger.Warnf("节点 %s 调用失败: %v", n.name, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("所有RPC节点调用失败: %w", lastErr)
}

// CallContract 执行只读合约调用
func (cp *ConnectionPool) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := cp.Do(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		out, err = client.CallContract(ctx, msg, nil)
		return err
	})
	return out, err
}

// ChainID 查询链ID
func (cp *ConnectionPool) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := cp.Do(ctx, func(ctx context.Context, client *ethclient.Client) error {
		var err error
		id, err = client.ChainID(ctx)
		return err
	})
	return id, err
}

// GetStats 获取节点状态
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	stats := make(map[string]interface{}, len(cp.nodes))
	for _, n := range cp.nodes {
		n.mu.Lock()
		stats[n.name] = map[string]interface{}{
			"priority":    n.priority,
			"healthy":     n.healthy,
			"connected":   n.client != nil,
			"error_count": n.errorCount,
			"last_used":   n.lastUsed.Format(time.RFC3339),
		}
		n.mu.Unlock()
	}
	return stats
}

// Close 关闭所有连接
func (cp *ConnectionPool) Close() error {
	for _, n := range cp.nodes {
		n.mu.Lock()
		if n.client != nil {
			n.client.Close()
			n.client = nil
		}
		n.mu.Unlock()
	}
	cp.logger.Info("RPC连接池已关闭")
	return nil
}
