package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"towncapture/internal/errclass"
)

// MemoryStore はテストと開発用のメモリ実装
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	baseURL string
	now     func() time.Time

	// テスト用の失敗注入
	failUploads map[string]error
	failDeletes map[string]error
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryStore は新しいMemoryStoreを作成する
func NewMemoryStore(baseURL string) *MemoryStore {
	if baseURL == "" {
		baseURL = "memory://blob"
	}
	return &MemoryStore{
		objects:     make(map[string]memoryObject),
		baseURL:     baseURL,
		now:         time.Now,
		failUploads: make(map[string]error),
		failDeletes: make(map[string]error),
	}
}

// Upload はオブジェクトを保存する
func (m *MemoryStore) Upload(_ context.Context, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("読み込みに失敗: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := matchFailure(m.failUploads, key); err != nil {
		return err
	}
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	return nil
}

// Download はオブジェクトを w に書き出す
func (m *MemoryStore) Download(_ context.Context, key string, w io.Writer) error {
	m.mu.Lock()
	obj, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return errclass.ErrNotFound.WithMessagef("オブジェクト %s", key)
	}
	_, err := io.Copy(w, bytes.NewReader(obj.data))
	return err
}

// SignedURL は擬似的な署名付きURLを返す
func (m *MemoryStore) SignedURL(_ context.Context, key string, ttl time.Duration, opts URLOptions) (string, error) {
	m.mu.Lock()
	_, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return "", errclass.ErrNotFound.WithMessagef("オブジェクト %s", key)
	}

	q := url.Values{}
	q.Set("expires", m.now().Add(ttl).UTC().Format(time.RFC3339))
	if opts.DownloadName != "" {
		q.Set("filename", opts.DownloadName)
	}
	return fmt.Sprintf("%s/%s?%s", m.baseURL, key, q.Encode()), nil
}

// Delete はオブジェクトを削除する
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := matchFailure(m.failDeletes, key); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

// ServeHTTP は SignedURL が返したURLでオブジェクトを配信する。開発用
// パスはキー、期限切れや未知のキーは404を返す
func (m *MemoryStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	q := r.URL.Query()
	expires, err := time.Parse(time.RFC3339, q.Get("expires"))
	if err != nil || m.now().After(expires) {
		http.NotFound(w, r)
		return
	}

	data, contentType, ok := m.Object(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if name := q.Get("filename"); name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

// Has はオブジェクトの有無を返す
func (m *MemoryStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// Object は保存内容とContent-Typeを返す
func (m *MemoryStore) Object(key string) ([]byte, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj.data, obj.contentType, ok
}

// Keys は保存済みキーを昇順で返す
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// matchFailure は接頭辞が一致する失敗設定を返す
func matchFailure(failures map[string]error, key string) error {
	for prefix, err := range failures {
		if strings.HasPrefix(key, prefix) {
			return err
		}
	}
	return nil
}

// SetFailUpload はテスト用に key で始まるキーのアップロード失敗を設定する
func (m *MemoryStore) SetFailUpload(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUploads[key] = err
}

// SetFailDelete はテスト用に key で始まるキーの削除失敗を設定する
func (m *MemoryStore) SetFailDelete(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDeletes[key] = err
}

var _ Store = (*MemoryStore)(nil)
