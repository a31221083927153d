// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const (
	lockRoot = "/distributed_locks" // 所有分布式锁的根节点
)

// ErrLockHeld 表示 TryLock 时锁已被其他实例持有。
var ErrLockHeld = errors.New("zookeeper: lock held by another instance")

// Conn 是锁所需的 ZooKeeper 操作子集，*zk.Conn 直接满足。
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// Connect 建立 ZooKeeper 会话，servers 以逗号分隔。
func Connect(servers string, sessionTimeout time.Duration) (*zk.Conn, error) {
	var list []string
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return nil, errors.New("zookeeper: no servers configured")
	}
	conn, _, err := zk.Connect(list, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrap(err, "zookeeper: connect")
	}
	return conn, nil
}

// DistributedLock 基于临时顺序节点实现的分布式锁。
type DistributedLock struct {
	conn     Conn
	path     string // 例如 /distributed_locks/retry-queue-drain
	lockNode string // 成功获取锁后自己创建的节点路径
}

// NewDistributedLock 创建锁实例并确保锁路径存在。
func NewDistributedLock(conn Conn, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		if err := ensureNode(conn, p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

func ensureNode(conn Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return errors.Wrapf(err, "zookeeper: check %s", path)
	}
	if exists {
		return nil
	}
	if _, err := conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrapf(err, "zookeeper: create %s", path)
	}
	return nil
}

// TryLock 尝试一次获取锁，拿不到时撤回自己的节点并返回 ErrLockHeld。
func (l *DistributedLock) TryLock() error {
	if err := l.enqueue(); err != nil {
		return err
	}
	_, first, err := l.position()
	if err != nil {
		_ = l.Unlock()
		return err
	}
	if first {
		return nil
	}
	if err := l.Unlock(); err != nil {
		return err
	}
	return ErrLockHeld
}

// Lock 阻塞直到获得锁或 ctx 结束。
func (l *DistributedLock) Lock(ctx context.Context) error {
	if err := l.enqueue(); err != nil {
		return err
	}
	for {
		prev, first, err := l.position()
		if err != nil {
			_ = l.Unlock()
			return err
		}
		if first {
			return nil
		}

		// 只监听前一个节点，避免羊群效应
		exists, _, eventChan, err := l.conn.ExistsW(l.path + "/" + prev)
		if err != nil && !errors.Is(err, zk.ErrNoNode) {
			_ = l.Unlock()
			return errors.Wrap(err, "zookeeper: watch previous node")
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
		case <-ctx.Done():
			_ = l.Unlock()
			return ctx.Err()
		}
	}
}

// Unlock 释放锁，重复调用是安全的。
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return nil
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrap(err, "zookeeper: delete lock node")
	}
	l.lockNode = ""
	return nil
}

func (l *DistributedLock) enqueue() error {
	if l.lockNode != "" {
		return errors.New("zookeeper: lock already acquired by this instance")
	}
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrap(err, "zookeeper: create sequential node")
	}
	l.lockNode = nodePath
	return nil
}

// position 返回排在自己前面的节点名，以及自己是否排在第一位。
func (l *DistributedLock) position() (string, bool, error) {
	children, _, err := l.conn.Children(l.path)
	if err != nil {
		return "", false, errors.Wrap(err, "zookeeper: list children")
	}
	// protected 节点带 GUID 前缀，只能按序号排序
	sort.Slice(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})

	mine := strings.TrimPrefix(l.lockNode, l.path+"/")
	for i, child := range children {
		if child != mine {
			continue
		}
		if i == 0 {
			return "", true, nil
		}
		return children[i-1], false, nil
	}
	return "", false, errors.New("zookeeper: own lock node disappeared")
}

// sequenceOf 取出节点名末尾的 10 位序号。
func sequenceOf(node string) string {
	if len(node) < 10 {
		return node
	}
	return node[len(node)-10:]
}
