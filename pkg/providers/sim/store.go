package sim

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/stackpilot/pkg/engine"
)

type objectVersion struct {
	key          string
	versionID    string
	size         int64
	deleteMarker bool
}

type bucket struct {
	info     engine.BucketInfo
	tags     map[string]string
	versions []objectVersion
}

// Store is an in-memory engine.ObjectStore.
type Store struct {
	mu      sync.Mutex
	clock   engine.Clock
	buckets map[string]*bucket
	foreign map[string]bool
	fail    map[string][]error
	calls   []Call
	seq     int
}

// NewStore creates an empty object store.
func NewStore(clock engine.Clock) *Store {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Store{
		clock:   clock,
		buckets: make(map[string]*bucket),
		foreign: make(map[string]bool),
		fail:    make(map[string][]error),
	}
}

// ClaimForeign marks a bucket name as owned by someone else.
func (s *Store) ClaimForeign(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreign[name] = true
}

// FailNext makes the next call of op return err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = append(s.fail[op], err)
}

// AddObjects adds count objects of size bytes each, with an old version and a
// delete marker for every tenth object.
func (s *Store) AddObjects(bucketName string, count int, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketName]
	if !ok {
		return
	}
	for i := 0; i < count; i++ {
		key := fmt.Sprintf("seed/%06d.zip", len(b.versions)+i)
		b.versions = append(b.versions, s.version(key, size, false))
		if i%10 == 9 {
			b.versions = append(b.versions, s.version(key, 0, true))
		}
	}
}

// Bucket returns a bucket's tags and object version count.
func (s *Store) Bucket(name string) (tags map[string]string, versions int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return nil, 0, false
	}
	return copyMap(b.tags), len(b.versions), true
}

// Names returns every bucket name, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CallCount returns how many times op was called.
func (s *Store) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (s *Store) record(op, target string, mutating bool) error {
	s.calls = append(s.calls, Call{Op: op, Stack: target, Mutating: mutating})
	if queue := s.fail[op]; len(queue) > 0 {
		err := queue[0]
		s.fail[op] = queue[1:]
		return err
	}
	return nil
}

func (s *Store) version(key string, size int64, marker bool) objectVersion {
	s.seq++
	return objectVersion{key: key, versionID: fmt.Sprintf("v%d", s.seq), size: size, deleteMarker: marker}
}

// ListBuckets implements engine.ObjectStore.
func (s *Store) ListBuckets(_ context.Context, prefix string) ([]engine.BucketInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListBuckets", prefix, false); err != nil {
		return nil, err
	}
	var out []engine.BucketInfo
	for name, b := range s.buckets {
		if strings.HasPrefix(name, prefix) {
			out = append(out, b.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateBucket implements engine.ObjectStore.
func (s *Store) CreateBucket(_ context.Context, name string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateBucket", name, true); err != nil {
		return err
	}
	if s.foreign[name] {
		return engine.NewAlreadyExistsError("bucket name is already taken", nil).WithResource(name)
	}
	if _, ok := s.buckets[name]; ok {
		return engine.NewConflictError("bucket already owned by you", nil).
			WithCode(engine.ErrCodeOwnedByYou).WithResource(name)
	}
	s.buckets[name] = &bucket{
		info: engine.BucketInfo{Name: name, CreatedAt: s.clock.Now()},
		tags: copyMap(tags),
	}
	return nil
}

// TagBucket implements engine.ObjectStore.
func (s *Store) TagBucket(_ context.Context, name string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("TagBucket", name, true); err != nil {
		return err
	}
	b, ok := s.buckets[name]
	if !ok {
		return engine.NewNotFoundError("bucket does not exist", nil).WithResource(name)
	}
	if b.tags == nil {
		b.tags = make(map[string]string)
	}
	for k, v := range tags {
		b.tags[k] = v
	}
	return nil
}

// BucketUsage implements engine.ObjectStore.
func (s *Store) BucketUsage(_ context.Context, name string) (engine.BucketUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("BucketUsage", name, false); err != nil {
		return engine.BucketUsage{}, err
	}
	b, ok := s.buckets[name]
	if !ok {
		return engine.BucketUsage{}, engine.NewNotFoundError("bucket does not exist", nil).WithResource(name)
	}
	var usage engine.BucketUsage
	for _, v := range b.versions {
		if v.deleteMarker {
			continue
		}
		usage.Objects++
		usage.Bytes += v.size
	}
	return usage, nil
}

// PurgeBucket implements engine.ObjectStore.
func (s *Store) PurgeBucket(_ context.Context, name string) (engine.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("PurgeBucket", name, true); err != nil {
		return engine.PurgeResult{}, err
	}
	b, ok := s.buckets[name]
	if !ok {
		return engine.PurgeResult{}, nil
	}
	var res engine.PurgeResult
	for _, v := range b.versions {
		if v.deleteMarker {
			res.DeleteMarkers++
		} else {
			res.Versions++
		}
	}
	b.versions = nil
	return res, nil
}

// PutObject implements engine.ObjectStore.
func (s *Store) PutObject(_ context.Context, bucketName, key string, body io.Reader) (*engine.ObjectLocation, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("PutObject", bucketName, true); err != nil {
		return nil, err
	}
	b, ok := s.buckets[bucketName]
	if !ok {
		return nil, engine.NewNotFoundError("bucket does not exist", nil).WithResource(bucketName)
	}
	v := s.version(key, int64(len(data)), false)
	b.versions = append(b.versions, v)
	return &engine.ObjectLocation{Bucket: bucketName, Key: key, VersionID: v.versionID}, nil
}

// IsEmpty reports whether a bucket holds no versions at all.
func (s *Store) IsEmpty(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	return !ok || len(b.versions) == 0
}
