package wasmhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// errCapabilityDenied is returned by a denying decorator substituted for a
// service a plugin's manifest did not declare. It never reaches Go caller
// code above buildHostModule: the host functions in host.go turn it into
// statusError, matching the in-band status ABI a real component-model
// capability grant/deny would use instead of a trap.
var errCapabilityDenied = errors.New("wasmhost: capability not granted to this plugin")

// ZapLogger is the default Logger, writing guest log(level, message) calls
// through a *zap.Logger named after the calling plugin. Unrecognized levels
// fall back to Info rather than being dropped, matching the teacher's own
// logging.go fallback behavior for unrecognized level strings.
type ZapLogger struct {
	log *zap.Logger
}

func NewZapLogger(log *zap.Logger) *ZapLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapLogger{log: log}
}

func (z *ZapLogger) Log(pluginID string, level string, message string) {
	logger := z.log.Named(pluginID)
	switch zapLevel(level) {
	case zapcore.DebugLevel:
		logger.Debug(message)
	case zapcore.WarnLevel:
		logger.Warn(message)
	case zapcore.ErrorLevel:
		logger.Error(message)
	default:
		logger.Info(message)
	}
}

func zapLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// DenyLogger substitutes ZapLogger for a plugin whose manifest does not
// declare the Logger service capability; its calls are silently dropped
// rather than routed anywhere, since a denied plugin must not get a side
// channel for its log lines.
type DenyLogger struct{}

func (DenyLogger) Log(string, string, string) {}

// MemoryStorage is the default LocalStorage: an in-process key/value store
// keyed by pluginID, with per-(pluginID,key) locking rather than a single
// global mutex, so one plugin's storage traffic never serializes behind
// another's. It is not durable across restarts; a real deployment's
// CatalogStore-style external collaborator would back this with disk or a
// database instead (spec places persistence out of scope for the core).
type MemoryStorage struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	data  map[string]map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		locks: make(map[string]*sync.Mutex),
		data:  make(map[string]map[string][]byte),
	}
}

func (s *MemoryStorage) keyLock(pluginID, key string) *sync.Mutex {
	id := pluginID + "\x00" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStorage) Get(pluginID, key string) ([]byte, bool, error) {
	l := s.keyLock(pluginID, key)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	bucket := s.data[pluginID]
	s.mu.Unlock()
	if bucket == nil {
		return nil, false, nil
	}
	value, ok := bucket[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *MemoryStorage) Set(pluginID, key string, value []byte) error {
	l := s.keyLock(pluginID, key)
	l.Lock()
	defer l.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	bucket, ok := s.data[pluginID]
	if !ok {
		bucket = make(map[string][]byte)
		s.data[pluginID] = bucket
	}
	s.mu.Unlock()
	bucket[key] = stored
	return nil
}

func (s *MemoryStorage) Delete(pluginID, key string) error {
	l := s.keyLock(pluginID, key)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	bucket := s.data[pluginID]
	s.mu.Unlock()
	if bucket != nil {
		delete(bucket, key)
	}
	return nil
}

// DenyStorage substitutes MemoryStorage for a plugin whose manifest does
// not declare the LocalStorage service capability.
type DenyStorage struct{}

func (DenyStorage) Get(string, string) ([]byte, bool, error) { return nil, false, errCapabilityDenied }
func (DenyStorage) Set(string, string, []byte) error         { return errCapabilityDenied }
func (DenyStorage) Delete(string, string) error               { return errCapabilityDenied }

// ZapAnnotator is the default Annotator: it records a guest's
// annotate(key, value) call as a structured log line rather than attaching
// it to any forwarded request, since annotations are host-observable only
// (spec §4.4). The Rust original leaves its equivalent AnnotatorClient
// unimplemented (wasm/mod.rs's annotate is a stubbed no-op); this
// implementation completes it rather than carrying the stub forward.
type ZapAnnotator struct {
	log *zap.Logger
}

func NewZapAnnotator(log *zap.Logger) *ZapAnnotator {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapAnnotator{log: log}
}

func (a *ZapAnnotator) Annotate(pluginID string, key, value string) {
	a.log.Info("plugin annotation", zap.String("plugin", pluginID), zap.String("key", key), zap.String("value", value))
}

// DenyAnnotator substitutes ZapAnnotator for a plugin whose manifest does
// not declare the Annotator service capability.
type DenyAnnotator struct{}

func (DenyAnnotator) Annotate(string, string, string) {}

// DefaultHTTPClient is the default HTTPClient, a thin wrapper over a real
// *http.Client. The body cap bounds how much of a side-channel response a
// guest is allowed to pull into its own linear memory, independent of the
// guest's fuel/memory budget.
type DefaultHTTPClient struct {
	client  *http.Client
	maxBody int64
}

func NewDefaultHTTPClient(client *http.Client, maxBody int64) *DefaultHTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MiB
	}
	return &DefaultHTTPClient{client: client, maxBody: maxBody}
}

func (c *DefaultHTTPClient) Do(ctx context.Context, pluginID string, method, url string, body []byte) (int, []byte, error) {
	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("wasmhost: plugin %s: building side-channel request: %w", pluginID, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("wasmhost: plugin %s: side-channel request failed: %w", pluginID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("wasmhost: plugin %s: reading side-channel response: %w", pluginID, err)
	}
	return resp.StatusCode, respBody, nil
}

// DenyHTTPClient substitutes DefaultHTTPClient for a plugin not granted
// outbound side-channel HTTP access.
type DenyHTTPClient struct{}

func (DenyHTTPClient) Do(context.Context, string, string, string, []byte) (int, []byte, error) {
	return 0, nil, errCapabilityDenied
}

// AnnotatorOnlyProviderFactory is the default CapabilityProviderFactory. It
// mirrors the Rust original's CapabilityProvider, which hands out an
// AnnotatorClient handle and nothing else: "annotator" resolves to a handle
// a guest can later invoke annotate() through; every other capability name
// is refused rather than silently granted.
type AnnotatorOnlyProviderFactory struct {
	mu     sync.Mutex
	next   uint64
	byID   map[uint64]string
}

func NewAnnotatorOnlyProviderFactory() *AnnotatorOnlyProviderFactory {
	return &AnnotatorOnlyProviderFactory{byID: make(map[uint64]string)}
}

func (f *AnnotatorOnlyProviderFactory) Provide(pluginID string, capability string) (uint64, error) {
	if capability != "annotator" {
		return 0, fmt.Errorf("wasmhost: plugin %s: capability provider has no %q handle: %w", pluginID, capability, errCapabilityDenied)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	handle := f.next
	f.byID[handle] = pluginID
	return handle, nil
}

// DenyCapabilityProviderFactory substitutes AnnotatorOnlyProviderFactory for
// a plugin not granted the capability-provider service at all.
type DenyCapabilityProviderFactory struct{}

func (DenyCapabilityProviderFactory) Provide(string, string) (uint64, error) {
	return 0, errCapabilityDenied
}
