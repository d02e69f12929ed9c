package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cmw1990/offline_sync/internal/retry"
)

// Etcd is a Store backed by an etcd cluster. Records are stored under
// <prefix>/<bucket>/<key> as a JSON envelope carrying the index value.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

type etcdEnvelope struct {
	Index string `json:"index,omitempty"`
	Value []byte `json:"value"`
}

// OpenEtcd creates a new etcd-backed store from a DSN
func OpenEtcd(dsn string) (*Etcd, error) {
	config, err := parseEtcdDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logrus.WithField("endpoints", config.Endpoints).Info("Connected to etcd successfully")

	return &Etcd{client: client, prefix: GetPrefix(dsn)}, nil
}

// OpenEtcdWithRetry creates an etcd store, retrying until a health read succeeds
func OpenEtcdWithRetry(ctx context.Context, dsn string) (*Etcd, error) {
	var s *Etcd
	err := retry.WithOperation(ctx, retry.EtcdDefaults(), func() error {
		var attemptErr error
		s, attemptErr = OpenEtcd(dsn)
		if attemptErr != nil {
			return attemptErr
		}
		if _, testErr := s.client.Get(ctx, "healthcheck"); testErr != nil {
			s.Close()
			return testErr
		}
		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}
	return s, nil
}

func (e *Etcd) bucketPrefix(bucket string) string {
	return path.Join(e.prefix, bucket) + "/"
}

func (e *Etcd) fullKey(bucket, key string) string {
	return e.bucketPrefix(bucket) + key
}

// Get implements Store.Get
func (e *Etcd) Get(ctx context.Context, bucket, key string) (Record, error) {
	resp, err := e.client.Get(ctx, e.fullKey(bucket, key))
	if err != nil {
		return Record{}, wrap("get", bucket, key, err)
	}
	if len(resp.Kvs) == 0 {
		return Record{}, ErrNotFound
	}
	var env etcdEnvelope
	if err := json.Unmarshal(resp.Kvs[0].Value, &env); err != nil {
		return Record{}, wrap("get", bucket, key, fmt.Errorf("decode envelope: %w", err))
	}
	return Record{Key: key, Index: env.Index, Value: env.Value}, nil
}

// Put implements Store.Put
func (e *Etcd) Put(ctx context.Context, bucket string, rec Record) error {
	data, err := json.Marshal(etcdEnvelope{Index: rec.Index, Value: rec.Value})
	if err != nil {
		return wrap("put", bucket, rec.Key, err)
	}
	resp, err := e.client.Put(ctx, e.fullKey(bucket, rec.Key), string(data))
	if err != nil {
		return wrap("put", bucket, rec.Key, err)
	}
	logrus.WithFields(logrus.Fields{
		"bucket":   bucket,
		"key":      rec.Key,
		"revision": resp.Header.Revision,
	}).Debug("Put key to etcd")
	return nil
}

// Delete implements Store.Delete
func (e *Etcd) Delete(ctx context.Context, bucket, key string) error {
	resp, err := e.client.Delete(ctx, e.fullKey(bucket, key))
	if err != nil {
		return wrap("delete", bucket, key, err)
	}
	logrus.WithFields(logrus.Fields{
		"bucket":  bucket,
		"key":     key,
		"deleted": resp.Deleted,
	}).Debug("Deleted key from etcd")
	return nil
}

// GetAll implements Store.GetAll
func (e *Etcd) GetAll(ctx context.Context, bucket string) ([]Record, error) {
	return e.scan(ctx, bucket, func(Record) bool { return true })
}

// IndexScan implements Store.IndexScan. etcd has no secondary indexes, so the
// bucket range is read and filtered client side.
func (e *Etcd) IndexScan(ctx context.Context, bucket, index string) ([]Record, error) {
	return e.scan(ctx, bucket, func(rec Record) bool { return rec.Index == index })
}

func (e *Etcd) scan(ctx context.Context, bucket string, match func(Record) bool) ([]Record, error) {
	prefix := e.bucketPrefix(bucket)
	resp, err := e.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, wrap("scan", bucket, "", err)
	}

	records := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var env etcdEnvelope
		key := strings.TrimPrefix(string(kv.Key), prefix)
		if err := json.Unmarshal(kv.Value, &env); err != nil {
			return nil, wrap("scan", bucket, key, fmt.Errorf("decode envelope: %w", err))
		}
		rec := Record{Key: key, Index: env.Index, Value: env.Value}
		if match(rec) {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Close closes the etcd client connection
func (e *Etcd) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// parseEtcdDSN parses etcd DSN format: etcd://host1:port1[,host2:port2]/[prefix]?param=value
func parseEtcdDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return &clientv3.Config{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		}, nil
	}

	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, fmt.Errorf("etcd DSN must start with etcd://")
	}

	// Parse as URL to handle query parameters
	u, err := url.Parse("dummy://" + strings.TrimPrefix(dsn, "etcd://"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379" // Default etcd port
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	params := u.Query()

	if timeout := params.Get("dial_timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid dial_timeout %q: %w", timeout, err)
		}
		config.DialTimeout = d
	}

	if username := params.Get("username"); username != "" {
		config.Username = username
	}

	if password := params.Get("password"); password != "" {
		config.Password = password
	}

	if tlsParam := params.Get("tls"); tlsParam == "enabled" {
		config.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return config, nil
}

// GetPrefix extracts the key prefix from the etcd DSN path
func GetPrefix(dsn string) string {
	if dsn == "" || !strings.HasPrefix(dsn, "etcd://") {
		return "/offline_sync"
	}

	u, err := url.Parse(dsn)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "/offline_sync"
	}

	return strings.TrimSuffix(u.Path, "/")
}
